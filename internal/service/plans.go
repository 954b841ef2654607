package service

import (
	"context"
	"errors"
	"strings"

	"github.com/faucetdb/sluice/internal/apierr"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
)

// CreatePlan validates and stores a plan owned by owner.
func (s *KeyService) CreatePlan(ctx context.Context, owner model.Scope, p *model.Plan) (*model.Plan, error) {
	if err := owner.Validate(); err != nil {
		return nil, apierr.New(apierr.Forbidden, "caller has no scope", err)
	}
	p.Scope = owner
	p.Name = strings.TrimSpace(p.Name)

	fields := map[string]string{}
	if p.Name == "" {
		fields["name"] = "is required"
	}
	for name, v := range map[string]int64{
		"rate_limit":          int64(p.RateLimit),
		"rate_window_seconds": int64(p.RateWindowSeconds),
		"burst":               int64(p.Burst),
		"daily_quota":         p.DailyQuota,
		"monthly_quota":       p.MonthlyQuota,
		"max_request_bytes":   p.MaxRequestBytes,
		"max_response_bytes":  p.MaxResponseBytes,
	} {
		if v < 0 {
			fields[name] = "must not be negative"
		}
	}
	if len(fields) > 0 {
		return nil, apierr.NewValidation("invalid plan", fields)
	}

	if err := s.store.CreatePlan(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.Newf(apierr.Conflict, "plan %q already exists", p.Name)
		}
		return nil, err
	}
	s.logger.Info("plan created", "scope", owner.Key(), "name", p.Name, "id", p.ID)
	return p, nil
}

// ListPlans returns the plans owned by owner.
func (s *KeyService) ListPlans(ctx context.Context, owner model.Scope) ([]*model.Plan, error) {
	return s.store.ListPlans(ctx, owner)
}

// GetPlan returns a plan owned by owner.
func (s *KeyService) GetPlan(ctx context.Context, owner model.Scope, id int64) (*model.Plan, error) {
	p, err := s.store.GetPlan(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.Scope != owner) {
		return nil, apierr.NewNotFound("plan")
	}
	return p, err
}
