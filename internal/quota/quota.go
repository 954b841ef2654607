package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
)

// UsageCounter counts a key's recorded requests.
type UsageCounter interface {
	CountKeyUsage(ctx context.Context, keyID int64, since time.Time) (int64, error)
}

// Checker enforces a plan's daily and monthly quotas against recorded usage.
type Checker struct {
	usage UsageCounter
}

// NewChecker creates a quota checker.
func NewChecker(usage UsageCounter) *Checker {
	return &Checker{usage: usage}
}

// Check returns a QuotaExceeded error when the key has used its daily or
// monthly allowance. Quota errors never carry a retry-after.
func (c *Checker) Check(ctx context.Context, keyID int64, plan *model.Plan, now time.Time) error {
	if plan == nil {
		return nil
	}
	now = now.UTC()
	if plan.DailyQuota > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if err := c.check(ctx, keyID, dayStart, plan.DailyQuota, "daily"); err != nil {
			return err
		}
	}
	if plan.MonthlyQuota > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		if err := c.check(ctx, keyID, monthStart, plan.MonthlyQuota, "monthly"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) check(ctx context.Context, keyID int64, since time.Time, limit int64, period string) error {
	used, err := c.usage.CountKeyUsage(ctx, keyID, since)
	if err != nil {
		return fmt.Errorf("count %s usage: %w", period, err)
	}
	if used >= limit {
		return apierr.Newf(apierr.QuotaExceeded, "%s quota of %d requests exhausted", period, limit)
	}
	return nil
}
