package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/config"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/vault"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// newCLIEnv points the CLI at a fresh data directory with a vault key and
// JWT secret supplied through the environment.
func newCLIEnv(t *testing.T) string {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	t.Setenv("SLUICE_VAULT_KEY", key)
	t.Setenv("SLUICE_AUTH_JWT_SECRET", "cli-test-secret")
	t.Setenv("SLUICE_LOGGING_LEVEL", "error")
	t.Cleanup(func() { dataDir = "" })
	return t.TempDir()
}

// run executes the root command with args and returns combined output.
func run(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, nil, args...)
	if err != nil {
		t.Fatalf("sluice %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// ---------------------------------------------------------------------------
// Unit helpers
// ---------------------------------------------------------------------------

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Scope
		wantErr bool
	}{
		{"team:acme", model.TeamScope("acme"), false},
		{"user:bob", model.UserScope("bob"), false},
		{"team/acme", model.TeamScope("acme"), false},
		{" TEAM:acme ", model.TeamScope("acme"), false},
		{"acme", model.Scope{}, true},
		{"org:acme", model.Scope{}, true},
		{"team:", model.Scope{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseScope(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseScope(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScope(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseScope(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestGatewayBaseURL(t *testing.T) {
	cfg := config.Default()
	if got := gatewayBaseURL(cfg); got != "http://localhost:8080/gw" {
		t.Errorf("default = %q", got)
	}
	cfg.Server.PublicURL = "https://gw.example.com/"
	if got := gatewayBaseURL(cfg); got != "https://gw.example.com/gw" {
		t.Errorf("public = %q", got)
	}
}

func TestExplainListsFields(t *testing.T) {
	err := explain(apierr.NewValidation("invalid connector", map[string]string{
		"slug":     "is required",
		"base_url": "must be absolute",
	}))
	want := "invalid connector\n  base_url: must be absolute\n  slug: is required"
	if err.Error() != want {
		t.Errorf("explain = %q, want %q", err.Error(), want)
	}

	plain := errors.New("boom")
	if explain(plain) != plain {
		t.Error("non-validation errors must pass through")
	}
	if explain(nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sluice.log")
	cfg := config.Default().Logging
	cfg.File = path
	cfg.Format = "json"

	logger, closer, err := newLogger(cfg, io.Discard)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hello", "connector", "weather")
	logger.Debug("hidden")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log is not a single JSON line: %v\n%s", err, data)
	}
	if line["msg"] != "hello" || line["connector"] != "weather" {
		t.Errorf("line = %v", line)
	}

	cfg.Level = "chatty"
	if _, _, err := newLogger(cfg, io.Discard); err == nil {
		t.Error("expected error for unknown level")
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestVersionJSON(t *testing.T) {
	out := mustRun(t, "version", "--json")
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if info["version"] != "test" || info["commit"] != "abc123" {
		t.Errorf("info = %v", info)
	}
}

func TestVaultGenkey(t *testing.T) {
	out := mustRun(t, "vault", "genkey")
	if _, err := vault.ParseKey(strings.TrimSpace(out)); err != nil {
		t.Errorf("generated key does not parse: %v", err)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sluice.yaml")
	mustRun(t, "config", "init", "-o", path)
	if _, err := run(t, nil, "config", "init", "-o", path); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("second init err = %v, want hint about --force", err)
	}
	mustRun(t, "config", "init", "-o", path, "--force")
}

func TestCommandsRequireVaultKey(t *testing.T) {
	t.Setenv("SLUICE_VAULT_KEY", "")
	t.Cleanup(func() { dataDir = "" })
	_, err := run(t, nil, "connector", "list", "--scope", "team:acme", "--data-dir", t.TempDir())
	if err == nil || !errors.Is(err, vault.ErrNoKey) {
		t.Fatalf("err = %v, want ErrNoKey", err)
	}
}

func TestTokenIssue(t *testing.T) {
	newCLIEnv(t)
	out := mustRun(t, "token", "issue", "--scope", "team:acme", "--subject", "alice")

	ids, err := service.NewIdentityService("cli-test-secret")
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}
	id, err := ids.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "alice" || id.Scope != model.TeamScope("acme") {
		t.Errorf("identity = %+v", id)
	}
}

func TestConnectorWorkflow(t *testing.T) {
	dir := newCLIEnv(t)
	scoped := func(args ...string) []string {
		return append(args, "--scope", "team:acme", "--data-dir", dir)
	}

	mustRun(t, scoped("connector", "create", "weather",
		"--base-url", "https://api.weather.example",
		"--auth-type", "query", "--auth-param", "appid", "--auth-secret", "api_key")...)

	// Publishing without an enabled endpoint fails with the field detail.
	_, err := run(t, nil, scoped("connector", "publish", "weather")...)
	if err == nil || !strings.Contains(err.Error(), "endpoints: must have enabled endpoint") {
		t.Fatalf("publish err = %v", err)
	}

	mustRun(t, scoped("endpoint", "add", "weather", "get", "/forecast/{city}", "--summary", "Forecast")...)

	if out, err := run(t, strings.NewReader("s3cret\n"), scoped("secret", "set", "weather", "api_key", "--stdin")...); err != nil {
		t.Fatalf("secret set: %v\n%s", err, out)
	}
	out := mustRun(t, scoped("secret", "list", "weather")...)
	if !strings.Contains(out, "api_key") || !strings.Contains(out, "yes") || strings.Contains(out, "s3cret") {
		t.Errorf("secret list = %q", out)
	}

	out = mustRun(t, scoped("connector", "publish", "weather")...)
	if !strings.Contains(out, "published (version 2)") {
		t.Errorf("publish output = %q", out)
	}

	out = mustRun(t, scoped("connector", "list", "--json")...)
	var conns []model.Connector
	if err := json.Unmarshal([]byte(out), &conns); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(conns) != 1 || conns[0].Status != model.StatusPublished {
		t.Errorf("connectors = %+v", conns)
	}

	// Another scope cannot see the connector.
	_, err = run(t, nil, "connector", "publish", "weather", "--scope", "team:rival", "--data-dir", dir)
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("rival publish err = %v", err)
	}

	out = mustRun(t, scoped("openapi", "weather", "--format", "yaml")...)
	if !strings.Contains(out, "openapi: 3.1.0") || !strings.Contains(out, "http://localhost:8080/gw") {
		t.Errorf("openapi output = %s", out)
	}
}

func TestKeyWorkflow(t *testing.T) {
	dir := newCLIEnv(t)
	scoped := func(args ...string) []string {
		return append(args, "--scope", "team:acme", "--data-dir", dir)
	}

	out := mustRun(t, scoped("plan", "create", "starter", "--rate-limit", "30", "--daily-quota", "1000")...)
	if !strings.Contains(out, `Plan "starter" created with ID 1`) {
		t.Errorf("plan create = %q", out)
	}

	out = mustRun(t, scoped("key", "create", "--label", "ci", "--plan", "1")...)
	if !strings.Contains(out, service.KeyPrefix) || !strings.Contains(out, "cannot be retrieved again") {
		t.Errorf("key create = %q", out)
	}

	out = mustRun(t, scoped("key", "rotate", "1")...)
	if !strings.Contains(out, "Key 1 rotated") {
		t.Errorf("key rotate = %q", out)
	}
	if _, err := run(t, nil, scoped("key", "revoke", "1")...); err == nil {
		t.Error("revoking a rotated key should conflict")
	}
	mustRun(t, scoped("key", "revoke", "2")...)

	out = mustRun(t, scoped("key", "list", "--json")...)
	var keys []model.APIKey
	if err := json.Unmarshal([]byte(out), &keys); err != nil {
		t.Fatalf("decode keys: %v\n%s", err, out)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %+v", keys)
	}
	for _, k := range keys {
		if k.Status != model.KeyRevoked {
			t.Errorf("key %d status = %s, want revoked", k.ID, k.Status)
		}
	}

	if _, err := run(t, nil, scoped("key", "revoke", "abc")...); err == nil {
		t.Error("expected error for non-numeric id")
	}
}
