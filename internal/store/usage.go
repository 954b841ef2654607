package store

import (
	"context"
	"fmt"
	"time"

	"github.com/faucetdb/sluice/internal/model"
)

// ---------------------------------------------------------------------------
// Usage records
// ---------------------------------------------------------------------------

type usageRow struct {
	ID                int64  `db:"id"`
	ConnectorID       int64  `db:"connector_id"`
	APIKeyID          *int64 `db:"api_key_id"`
	EndpointID        *int64 `db:"endpoint_id"`
	Method            string `db:"method"`
	Path              string `db:"path"`
	StatusCode        int    `db:"status_code"`
	LatencyMs         int64  `db:"latency_ms"`
	UpstreamLatencyMs int64  `db:"upstream_latency_ms"`
	RequestBytes      int64  `db:"request_bytes"`
	ResponseBytes     int64  `db:"response_bytes"`
	ErrorLayer        string `db:"error_layer"`
	CacheHit          bool   `db:"cache_hit"`
	CreatedMs         int64  `db:"created_ms"`
}

func (r usageRow) toModel() model.UsageRecord {
	return model.UsageRecord{
		ID:                r.ID,
		ConnectorID:       r.ConnectorID,
		APIKeyID:          r.APIKeyID,
		EndpointID:        r.EndpointID,
		Method:            r.Method,
		Path:              r.Path,
		StatusCode:        r.StatusCode,
		LatencyMs:         r.LatencyMs,
		UpstreamLatencyMs: r.UpstreamLatencyMs,
		RequestBytes:      r.RequestBytes,
		ResponseBytes:     r.ResponseBytes,
		ErrorLayer:        r.ErrorLayer,
		CacheHit:          r.CacheHit,
		CreatedAt:         time.UnixMilli(r.CreatedMs).UTC(),
	}
}

// InsertUsage appends one usage record.
func (s *Store) InsertUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	row := usageRow{
		ConnectorID:       rec.ConnectorID,
		APIKeyID:          rec.APIKeyID,
		EndpointID:        rec.EndpointID,
		Method:            rec.Method,
		Path:              rec.Path,
		StatusCode:        rec.StatusCode,
		LatencyMs:         rec.LatencyMs,
		UpstreamLatencyMs: rec.UpstreamLatencyMs,
		RequestBytes:      rec.RequestBytes,
		ResponseBytes:     rec.ResponseBytes,
		ErrorLayer:        rec.ErrorLayer,
		CacheHit:          rec.CacheHit,
		CreatedMs:         rec.CreatedAt.UnixMilli(),
	}

	const q = `INSERT INTO usage_records
		(connector_id, api_key_id, endpoint_id, method, path, status_code, latency_ms, upstream_latency_ms,
		 request_bytes, response_bytes, error_layer, cache_hit, created_ms)
		VALUES
		(:connector_id, :api_key_id, :endpoint_id, :method, :path, :status_code, :latency_ms, :upstream_latency_ms,
		 :request_bytes, :response_bytes, :error_layer, :cache_hit, :created_ms)`

	id, err := insertID(ctx, s.db, q, row)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	rec.ID = id
	return nil
}

// CountKeyUsage returns the number of records for a key at or after since.
func (s *Store) CountKeyUsage(ctx context.Context, keyID int64, since time.Time) (int64, error) {
	var n int64
	q := s.db.Rebind("SELECT COUNT(*) FROM usage_records WHERE api_key_id = ? AND created_ms >= ?")
	if err := s.db.GetContext(ctx, &n, q, keyID, since.UnixMilli()); err != nil {
		return 0, fmt.Errorf("count key usage: %w", err)
	}
	return n, nil
}

// UsageFilter restricts usage queries. Owner limits results to connectors
// owned by that scope; a zero Owner disables the restriction.
type UsageFilter struct {
	Owner       model.Scope
	From, To    time.Time
	ConnectorID int64
	APIKeyID    int64
}

func (f UsageFilter) where() (string, []interface{}) {
	q := " WHERE u.created_ms >= ? AND u.created_ms < ?"
	args := []interface{}{f.From.UnixMilli(), f.To.UnixMilli()}
	if !f.Owner.IsZero() {
		q += " AND c.scope_key = ?"
		args = append(args, f.Owner.Key())
	}
	if f.ConnectorID != 0 {
		q += " AND u.connector_id = ?"
		args = append(args, f.ConnectorID)
	}
	if f.APIKeyID != 0 {
		q += " AND u.api_key_id = ?"
		args = append(args, f.APIKeyID)
	}
	return q, args
}

type summaryRow struct {
	GroupID       int64 `db:"group_id"`
	Requests      int64 `db:"requests"`
	Errors        int64 `db:"errors"`
	LatencySum    int64 `db:"latency_sum"`
	RequestBytes  int64 `db:"request_bytes"`
	ResponseBytes int64 `db:"response_bytes"`
	LastMs        int64 `db:"last_ms"`
}

func (r summaryRow) toModel() model.UsageSummary {
	sum := model.UsageSummary{
		Requests:      r.Requests,
		Errors:        r.Errors,
		RequestBytes:  r.RequestBytes,
		ResponseBytes: r.ResponseBytes,
	}
	if r.Requests > 0 {
		sum.ErrorRate = float64(r.Errors) / float64(r.Requests)
		sum.AvgLatencyMs = float64(r.LatencySum) / float64(r.Requests)
		last := time.UnixMilli(r.LastMs).UTC()
		sum.LastSeenAt = &last
	}
	return sum
}

// Sums are cast to BIGINT because Postgres widens SUM(bigint) to numeric.
const summaryColumns = `COUNT(*) AS requests,
	CAST(COALESCE(SUM(CASE WHEN u.status_code >= 400 OR u.status_code = 0 THEN 1 ELSE 0 END), 0) AS BIGINT) AS errors,
	CAST(COALESCE(SUM(u.latency_ms), 0) AS BIGINT) AS latency_sum,
	CAST(COALESCE(SUM(u.request_bytes), 0) AS BIGINT) AS request_bytes,
	CAST(COALESCE(SUM(u.response_bytes), 0) AS BIGINT) AS response_bytes,
	CAST(COALESCE(MAX(u.created_ms), 0) AS BIGINT) AS last_ms`

// UsageByConnector summarises usage per connector.
func (s *Store) UsageByConnector(ctx context.Context, f UsageFilter) ([]model.UsageSummary, error) {
	where, args := f.where()
	q := "SELECT u.connector_id AS group_id, " + summaryColumns +
		" FROM usage_records u JOIN connectors c ON c.id = u.connector_id" + where +
		" GROUP BY u.connector_id ORDER BY u.connector_id"

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("usage by connector: %w", err)
	}
	out := make([]model.UsageSummary, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
		out[i].ConnectorID = r.GroupID
	}
	return out, nil
}

// UsageByKey summarises usage per API key. Records without a key are skipped.
func (s *Store) UsageByKey(ctx context.Context, f UsageFilter) ([]model.UsageSummary, error) {
	where, args := f.where()
	q := "SELECT u.api_key_id AS group_id, " + summaryColumns +
		" FROM usage_records u JOIN connectors c ON c.id = u.connector_id" + where +
		" AND u.api_key_id IS NOT NULL GROUP BY u.api_key_id ORDER BY u.api_key_id"

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("usage by key: %w", err)
	}
	out := make([]model.UsageSummary, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
		out[i].APIKeyID = r.GroupID
	}
	return out, nil
}

// BucketSummary is one non-empty bucket of a usage timeseries. Index counts
// intervals from the filter's From bound.
type BucketSummary struct {
	Index int64
	model.UsageSummary
}

// UsageBuckets groups the records matching f into fixed-width buckets
// starting at f.From. Empty buckets are not returned.
func (s *Store) UsageBuckets(ctx context.Context, f UsageFilter, interval time.Duration) ([]BucketSummary, error) {
	width := interval.Milliseconds()
	if width <= 0 {
		return nil, fmt.Errorf("usage buckets: interval must be at least 1ms")
	}
	where, args := f.where()
	q := "SELECT (u.created_ms - ?) / ? AS group_id, " + summaryColumns +
		" FROM usage_records u JOIN connectors c ON c.id = u.connector_id" + where +
		" GROUP BY 1 ORDER BY 1"
	args = append([]interface{}{f.From.UnixMilli(), width}, args...)

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("usage buckets: %w", err)
	}
	out := make([]BucketSummary, len(rows))
	for i, r := range rows {
		out[i] = BucketSummary{Index: r.GroupID, UsageSummary: r.toModel()}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Health checks
// ---------------------------------------------------------------------------

type healthRow struct {
	ID          int64  `db:"id"`
	ConnectorID int64  `db:"connector_id"`
	Status      string `db:"status"`
	LatencyMs   int64  `db:"latency_ms"`
	StatusCode  int    `db:"status_code"`
	Error       string `db:"error"`
	CheckedMs   int64  `db:"checked_ms"`
}

func (r healthRow) toModel() model.HealthCheck {
	return model.HealthCheck{
		ID:          r.ID,
		ConnectorID: r.ConnectorID,
		Status:      model.HealthStatus(r.Status),
		LatencyMs:   r.LatencyMs,
		StatusCode:  r.StatusCode,
		Error:       r.Error,
		CheckedAt:   time.UnixMilli(r.CheckedMs).UTC(),
	}
}

// InsertHealthCheck appends one probe result.
func (s *Store) InsertHealthCheck(ctx context.Context, hc *model.HealthCheck) error {
	if hc.CheckedAt.IsZero() {
		hc.CheckedAt = now()
	}
	row := healthRow{
		ConnectorID: hc.ConnectorID,
		Status:      string(hc.Status),
		LatencyMs:   hc.LatencyMs,
		StatusCode:  hc.StatusCode,
		Error:       hc.Error,
		CheckedMs:   hc.CheckedAt.UnixMilli(),
	}

	const q = `INSERT INTO health_checks (connector_id, status, latency_ms, status_code, error, checked_ms)
		VALUES (:connector_id, :status, :latency_ms, :status_code, :error, :checked_ms)`

	id, err := insertID(ctx, s.db, q, row)
	if err != nil {
		return fmt.Errorf("insert health check: %w", err)
	}
	hc.ID = id
	return nil
}

// LatestHealthChecks returns the most recent probe per connector owned by
// scope. A zero scope returns every connector's latest probe.
func (s *Store) LatestHealthChecks(ctx context.Context, scope model.Scope) ([]model.HealthCheck, error) {
	q := `SELECT h.* FROM health_checks h
		JOIN (SELECT connector_id, MAX(id) AS id FROM health_checks GROUP BY connector_id) l ON l.id = h.id
		JOIN connectors c ON c.id = h.connector_id`
	var args []interface{}
	if !scope.IsZero() {
		q += " WHERE c.scope_key = ?"
		args = append(args, scope.Key())
	}
	q += " ORDER BY h.connector_id"

	var rows []healthRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("latest health checks: %w", err)
	}
	out := make([]model.HealthCheck, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// HealthHistory returns up to limit probes for a connector, newest first.
func (s *Store) HealthHistory(ctx context.Context, connectorID int64, limit int) ([]model.HealthCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []healthRow
	q := s.db.Rebind("SELECT * FROM health_checks WHERE connector_id = ? ORDER BY id DESC LIMIT ?")
	if err := s.db.SelectContext(ctx, &rows, q, connectorID, limit); err != nil {
		return nil, fmt.Errorf("health history: %w", err)
	}
	out := make([]model.HealthCheck, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
