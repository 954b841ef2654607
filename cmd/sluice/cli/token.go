package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/sluice/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue admin identity tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		scope   string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed admin token for a scope",
		Long: `Issue a JWT signed with auth.jwt_secret. Send it to the admin API as
"Authorization: Bearer <token>"; every admin operation acts within its scope.`,
		Example: `  sluice token issue --scope team:acme --subject alice
  sluice token issue --scope user:bob --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			owner, err := parseScope(scope)
			if err != nil {
				return err
			}
			ids, err := service.NewIdentityService(cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("auth.jwt_secret: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.JWTExpiry
			}
			token, err := ids.Issue(subject, owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	scopeFlag(cmd, &scope)
	cmd.Flags().StringVar(&subject, "subject", "admin", "Subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.jwt_expiry)")

	return cmd
}
