package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
)

// maxBuckets caps the length of one timeseries.
const maxBuckets = 10000

// Query selects usage for a timeseries or a summary.
type Query struct {
	Scope       model.Scope
	From, To    time.Time
	Interval    time.Duration
	ConnectorID int64
	KeyID       int64
}

func (q Query) filter() store.UsageFilter {
	return store.UsageFilter{
		Owner:       q.Scope,
		From:        q.From,
		To:          q.To,
		ConnectorID: q.ConnectorID,
		APIKeyID:    q.KeyID,
	}
}

// Aggregator answers usage queries from the store.
type Aggregator struct {
	store *store.Store
}

// NewAggregator creates an aggregator over st.
func NewAggregator(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// ParseInterval accepts minute, hour, day, or a Go duration string.
func ParseInterval(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hour":
		return time.Hour, nil
	case "minute":
		return time.Minute, nil
	case "day":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval %q is shorter than one second", s)
	}
	if d%time.Millisecond != 0 {
		return 0, fmt.Errorf("interval %q is not a whole number of milliseconds", s)
	}
	return d, nil
}

// normalized truncates the range to whole milliseconds, the resolution
// usage records are stored and bucketed at.
func (q Query) normalized() Query {
	q.From = q.From.Truncate(time.Millisecond)
	q.To = q.To.Truncate(time.Millisecond)
	return q
}

func (q Query) validate(needInterval bool) error {
	fields := map[string]string{}
	if q.From.IsZero() || q.To.IsZero() {
		fields["from"] = "from and to are required"
	} else if !q.To.After(q.From) {
		fields["to"] = "must be after from"
	}
	if needInterval {
		if q.Interval <= 0 {
			fields["interval"] = "must be positive"
		} else if q.Interval%time.Millisecond != 0 {
			fields["interval"] = "must be a whole number of milliseconds"
		} else if len(fields) == 0 && bucketCount(q.From, q.To, q.Interval) > maxBuckets {
			fields["interval"] = fmt.Sprintf("range produces more than %d buckets", maxBuckets)
		}
	}
	if len(fields) > 0 {
		return apierr.NewValidation("invalid usage query", fields)
	}
	return nil
}

func bucketCount(from, to time.Time, interval time.Duration) int64 {
	span := to.Sub(from)
	n := int64(span / interval)
	if span%interval != 0 {
		n++
	}
	return n
}

// Timeseries returns ceil((to-from)/interval) contiguous buckets covering
// [from, to). Buckets without traffic are zero-filled.
func (a *Aggregator) Timeseries(ctx context.Context, q Query) ([]model.UsageBucket, error) {
	q = q.normalized()
	if err := q.validate(true); err != nil {
		return nil, err
	}
	n := bucketCount(q.From, q.To, q.Interval)
	buckets := make([]model.UsageBucket, n)
	for i := range buckets {
		start := q.From.Add(time.Duration(i) * q.Interval)
		end := start.Add(q.Interval)
		if end.After(q.To) {
			end = q.To
		}
		buckets[i] = model.UsageBucket{Start: start.UTC(), End: end.UTC()}
	}

	rows, err := a.store.UsageBuckets(ctx, q.filter(), q.Interval)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Index < 0 || r.Index >= n {
			continue
		}
		b := &buckets[r.Index]
		b.Requests = r.Requests
		b.Errors = r.Errors
		b.ErrorRate = r.ErrorRate
		b.AvgLatencyMs = r.AvgLatencyMs
	}
	return buckets, nil
}

// ByConnector summarises usage per connector owned by the query scope.
func (a *Aggregator) ByConnector(ctx context.Context, q Query) ([]model.UsageSummary, error) {
	q = q.normalized()
	if err := q.validate(false); err != nil {
		return nil, err
	}
	return a.store.UsageByConnector(ctx, q.filter())
}

// ByKey summarises usage per API key on connectors owned by the query scope.
func (a *Aggregator) ByKey(ctx context.Context, q Query) ([]model.UsageSummary, error) {
	q = q.normalized()
	if err := q.validate(false); err != nil {
		return nil, err
	}
	return a.store.UsageByKey(ctx, q.filter())
}
