package handler

import (
	"net/http"
	"time"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/usage"
)

// defaultUsageWindow is the reporting range when from/to are omitted.
const defaultUsageWindow = 24 * time.Hour

// UsageHandler serves usage analytics and health views.
type UsageHandler struct {
	agg    *usage.Aggregator
	health *health.Checker
	now    func() time.Time
}

// NewUsageHandler creates a UsageHandler. A nil checker disables the health
// routes' data (they return empty lists).
func NewUsageHandler(agg *usage.Aggregator, checker *health.Checker) *UsageHandler {
	return &UsageHandler{agg: agg, health: checker, now: time.Now}
}

// parseQuery reads from, to, interval, connectorId, and keyId. to defaults
// to now and from to 24 hours before to.
func (h *UsageHandler) parseQuery(r *http.Request, withInterval bool) (usage.Query, error) {
	scope, err := callerScope(r)
	if err != nil {
		return usage.Query{}, err
	}
	q := usage.Query{Scope: scope}
	fields := map[string]string{}

	to, err := queryTime(r, "to", h.now().UTC())
	if err != nil {
		fields["to"] = err.Error()
	}
	from, err := queryTime(r, "from", to.Add(-defaultUsageWindow))
	if err != nil {
		fields["from"] = err.Error()
	}
	q.From, q.To = from, to

	if withInterval {
		if q.Interval, err = usage.ParseInterval(queryString(r, "interval")); err != nil {
			fields["interval"] = err.Error()
		}
	}
	if q.ConnectorID, err = queryInt64(r, "connectorId"); err != nil {
		fields["connectorId"] = err.Error()
	}
	if q.KeyID, err = queryInt64(r, "keyId"); err != nil {
		fields["keyId"] = err.Error()
	}
	if len(fields) > 0 {
		return usage.Query{}, apierr.NewValidation("invalid usage query", fields)
	}
	return q, nil
}

// ConnectorUsage summarises usage per connector.
// GET /api/v1/admin/usage/connectors
func (h *UsageHandler) ConnectorUsage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q, err := h.parseQuery(r, false)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	rows, err := h.agg.ByConnector(r.Context(), q)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if rows == nil {
		rows = []model.UsageSummary{}
	}
	writeList(w, rows, len(rows), start)
}

// KeyUsage summarises usage per API key.
// GET /api/v1/admin/usage/keys
func (h *UsageHandler) KeyUsage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q, err := h.parseQuery(r, false)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	rows, err := h.agg.ByKey(r.Context(), q)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if rows == nil {
		rows = []model.UsageSummary{}
	}
	writeList(w, rows, len(rows), start)
}

// Timeseries returns zero-filled usage buckets.
// GET /api/v1/admin/usage/timeseries
func (h *UsageHandler) Timeseries(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q, err := h.parseQuery(r, true)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	buckets, err := h.agg.Timeseries(r.Context(), q)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeList(w, buckets, len(buckets), start)
}

// HealthSummary returns the latest probe of every connector.
// GET /api/v1/admin/health
func (h *UsageHandler) HealthSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	checks := []model.HealthCheck{}
	if h.health != nil {
		if checks, err = h.health.Summary(r.Context(), scope); err != nil {
			writeAPIError(w, err)
			return
		}
	}
	if checks == nil {
		checks = []model.HealthCheck{}
	}
	writeList(w, checks, len(checks), start)
}

// HealthHistory returns recent probes of one connector, newest first.
// GET /api/v1/admin/health/{connectorID}/history?limit=50
func (h *UsageHandler) HealthHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	scope, err := callerScope(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	id, err := pathInt64(r, "connectorID")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	limit := clampInt(queryInt(r, "limit", 50), 1, 500)
	checks := []model.HealthCheck{}
	if h.health != nil {
		if checks, err = h.health.History(r.Context(), scope, id, limit); err != nil {
			writeAPIError(w, err)
			return
		}
	}
	if checks == nil {
		checks = []model.HealthCheck{}
	}
	writeList(w, checks, len(checks), start)
}
