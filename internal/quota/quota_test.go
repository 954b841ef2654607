package quota

import (
	"context"
	"testing"
	"time"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
)

type fakeUsage struct {
	since []time.Time
	count map[time.Time]int64
}

func (f *fakeUsage) CountKeyUsage(_ context.Context, _ int64, since time.Time) (int64, error) {
	f.since = append(f.since, since)
	return f.count[since], nil
}

func TestQuotaChecker(t *testing.T) {
	now := time.Date(2026, 3, 17, 15, 4, 5, 0, time.UTC)
	day := time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		plan    *model.Plan
		counts  map[time.Time]int64
		wantErr bool
	}{
		{"no plan", nil, nil, false},
		{"unlimited", &model.Plan{}, map[time.Time]int64{day: 1e6}, false},
		{"under daily", &model.Plan{DailyQuota: 10}, map[time.Time]int64{day: 9}, false},
		{"at daily", &model.Plan{DailyQuota: 10}, map[time.Time]int64{day: 10}, true},
		{"over monthly", &model.Plan{DailyQuota: 10, MonthlyQuota: 100}, map[time.Time]int64{day: 1, month: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(&fakeUsage{count: tt.counts})
			err := c.Check(context.Background(), 1, tt.plan, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !apierr.Is(err, apierr.QuotaExceeded) {
				t.Errorf("kind: got %v, want QuotaExceeded", err)
			}
			if apierr.As(err).RetryAfter != 0 {
				t.Error("quota errors must not carry retry-after")
			}
		})
	}
}

func TestQuotaCheckerUsesUTCPeriods(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	now := time.Date(2026, 4, 1, 5, 0, 0, 0, loc) // 2026-03-31 19:00 UTC
	f := &fakeUsage{}
	NewChecker(f).Check(context.Background(), 1, &model.Plan{DailyQuota: 1, MonthlyQuota: 1}, now)

	want := []time.Time{
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if len(f.since) != 2 || !f.since[0].Equal(want[0]) || !f.since[1].Equal(want[1]) {
		t.Errorf("since = %v, want %v", f.since, want)
	}
}
