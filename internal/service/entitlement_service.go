package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

type entitlementStore interface {
	GetFeatureByCode(ctx context.Context, code string) (*models.Feature, error)
	GetOverride(ctx context.Context, userID, featureID string) (*models.UserFeatureOverride, error)
	HasRolePermission(ctx context.Context, role models.UserRole, featureID string) (bool, error)
	GetPlanFeature(ctx context.Context, planID, featureID string) (*models.PlanFeature, error)
	GetUsage(ctx context.Context, userID, featureID string, day time.Time) (int64, error)
	IncrementUsage(ctx context.Context, userID, featureID string, day time.Time, count int) (int64, error)
	PruneUsage(ctx context.Context, cutoff time.Time) (int64, error)
	ListForUser(ctx context.Context, userID string, role models.UserRole, planID *string, day time.Time) ([]repository.UserEntitlementRow, error)
}

// EntitlementService resolves feature access through a fixed ladder:
// super-admin, per-user override, role permission (permission-class features
// stop there), plan feature, free tier. The first rung that speaks wins.
type EntitlementService struct {
	store  entitlementStore
	logger *zap.Logger
}

// NewEntitlementService constructs the engine.
func NewEntitlementService(store entitlementStore, logger *zap.Logger) *EntitlementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntitlementService{store: store, logger: logger}
}

// usageDay buckets counters by UTC calendar day.
func usageDay(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// Check resolves whether the user may use the feature right now. Guests
// (nil user) only pass features with a positive free limit, counted against
// nothing: guest throttling happens in the quota layer.
func (s *EntitlementService) Check(ctx context.Context, user *models.User, featureCode string) (*models.Decision, error) {
	feature, err := s.store.GetFeatureByCode(ctx, featureCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "unknown feature "+featureCode)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load feature")
	}

	if user == nil {
		return s.freeTierDecision(feature, 0), nil
	}

	if user.IsSuperAdmin() {
		return &models.Decision{Allowed: true, Source: models.SourceSuperAdmin, Limit: models.Unlimited, Remaining: models.Unlimited}, nil
	}

	override, err := s.store.GetOverride(ctx, user.ID, feature.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load override")
	}
	if override != nil && !override.Expired(time.Now()) {
		if !override.Granted {
			return &models.Decision{Source: models.SourceOverride, Reason: "feature disabled for this account"}, nil
		}
		return &models.Decision{Allowed: true, Source: models.SourceOverride, Limit: models.Unlimited, Remaining: models.Unlimited}, nil
	}

	// Permission-class features are decided by role alone; tool features
	// skip the role layer and continue down to plan and free-tier limits.
	if feature.IsPermission() {
		granted, err := s.store.HasRolePermission(ctx, user.Role, feature.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role permission")
		}
		if granted {
			return &models.Decision{Allowed: true, Source: models.SourceRole, Limit: models.Unlimited, Remaining: models.Unlimited}, nil
		}
		return &models.Decision{Source: models.SourceRole, Reason: "role does not include this permission"}, nil
	}

	if user.PlanID != nil && subscriptionGrantsPlan(user.SubscriptionStatus) {
		pf, err := s.store.GetPlanFeature(ctx, *user.PlanID, feature.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load plan feature")
		}
		if pf != nil {
			if !pf.Enabled {
				return &models.Decision{Source: models.SourcePlan, Reason: "feature disabled on this plan"}, nil
			}
			if pf.DailyLimit == 0 {
				return &models.Decision{Allowed: true, Source: models.SourcePlan, Limit: models.Unlimited, Remaining: models.Unlimited}, nil
			}
			used, err := s.store.GetUsage(ctx, user.ID, feature.ID, usageDay(time.Now()))
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load usage")
			}
			decision := &models.Decision{Source: models.SourcePlan, Limit: pf.DailyLimit, Used: used, Remaining: pf.DailyLimit - used}
			decision.Allowed = used < pf.DailyLimit
			if !decision.Allowed {
				decision.Reason = "daily plan limit reached"
				decision.Remaining = 0
			}
			return decision, nil
		}
	}

	used, err := s.store.GetUsage(ctx, user.ID, feature.ID, usageDay(time.Now()))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load usage")
	}
	return s.freeTierDecision(feature, used), nil
}

// freeTierDecision applies the feature's own defaults, the last ladder rung.
func (s *EntitlementService) freeTierDecision(feature *models.Feature, used int64) *models.Decision {
	if feature.PremiumAccess {
		return &models.Decision{Source: models.SourceDenied, Reason: "feature requires a paid plan"}
	}
	if feature.FreeLimit == 0 {
		// Zero free limit on a non-premium feature is a data problem; the
		// safe reading is "disallowed".
		s.logger.Error("feature configured with zero free limit and no premium gate",
			zap.String("feature", feature.Code))
		return &models.Decision{Source: models.SourceDenied, Reason: "feature unavailable"}
	}
	decision := &models.Decision{Source: models.SourceFreeTier, Limit: feature.FreeLimit, Used: used, Remaining: feature.FreeLimit - used}
	decision.Allowed = used < feature.FreeLimit
	if !decision.Allowed {
		decision.Reason = "daily free limit reached"
		decision.Remaining = 0
	}
	return decision
}

func subscriptionGrantsPlan(status models.SubscriptionStatus) bool {
	return status == models.SubscriptionActive || status == models.SubscriptionGracePeriod
}

// Record counts completed uses of the feature for the user in one upsert;
// batch callers pass the member count instead of looping. Unlimited sources
// still record so operators can see real consumption.
func (s *EntitlementService) Record(ctx context.Context, user *models.User, featureCode string, count int) error {
	if user == nil || count <= 0 {
		return nil
	}
	feature, err := s.store.GetFeatureByCode(ctx, featureCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "unknown feature "+featureCode)
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load feature")
	}
	if _, err := s.store.IncrementUsage(ctx, user.ID, feature.ID, usageDay(time.Now()), count); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record usage")
	}
	return nil
}

// UserEntitlement is one feature's resolved status in the bulk listing.
type UserEntitlement struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Allowed   bool    `json:"allowed"`
	Source    string  `json:"source"`
	Limit     int64   `json:"limit"`
	Used      int64   `json:"used"`
	Remaining int64   `json:"remaining"`
	Reason    *string `json:"reason,omitempty"`
}

// GetUserEntitlements resolves every active feature for the user in one
// round trip instead of per-feature queries.
func (s *EntitlementService) GetUserEntitlements(ctx context.Context, user *models.User) ([]UserEntitlement, error) {
	if user == nil {
		return nil, appErrors.ErrUnauthorized
	}
	var planID *string
	if user.PlanID != nil && subscriptionGrantsPlan(user.SubscriptionStatus) {
		planID = user.PlanID
	}
	rows, err := s.store.ListForUser(ctx, user.ID, user.Role, planID, usageDay(time.Now()))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list entitlements")
	}

	out := make([]UserEntitlement, 0, len(rows))
	for _, row := range rows {
		decision := s.resolveRow(user, row)
		entry := UserEntitlement{
			Code:      row.Code,
			Name:      row.Name,
			Allowed:   decision.Allowed,
			Source:    string(decision.Source),
			Limit:     decision.Limit,
			Used:      decision.Used,
			Remaining: decision.Remaining,
		}
		if decision.Reason != "" {
			reason := decision.Reason
			entry.Reason = &reason
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *EntitlementService) resolveRow(user *models.User, row repository.UserEntitlementRow) *models.Decision {
	if user.IsSuperAdmin() {
		return &models.Decision{Allowed: true, Source: models.SourceSuperAdmin, Limit: models.Unlimited, Remaining: models.Unlimited}
	}
	overrideActive := row.OverrideGranted != nil &&
		(row.OverrideExpires == nil || row.OverrideExpires.After(time.Now()))
	if overrideActive {
		if !*row.OverrideGranted {
			return &models.Decision{Source: models.SourceOverride, Reason: "feature disabled for this account"}
		}
		return &models.Decision{Allowed: true, Source: models.SourceOverride, Limit: models.Unlimited, Remaining: models.Unlimited}
	}
	if row.Feature.IsPermission() {
		if row.RoleGranted {
			return &models.Decision{Allowed: true, Source: models.SourceRole, Limit: models.Unlimited, Remaining: models.Unlimited}
		}
		return &models.Decision{Source: models.SourceRole, Reason: "role does not include this permission"}
	}
	if row.PlanLimit != nil {
		if row.PlanEnabled != nil && !*row.PlanEnabled {
			return &models.Decision{Source: models.SourcePlan, Reason: "feature disabled on this plan"}
		}
		if *row.PlanLimit == 0 {
			return &models.Decision{Allowed: true, Source: models.SourcePlan, Limit: models.Unlimited, Remaining: models.Unlimited}
		}
		decision := &models.Decision{Source: models.SourcePlan, Limit: *row.PlanLimit, Used: row.UsedToday, Remaining: *row.PlanLimit - row.UsedToday}
		decision.Allowed = row.UsedToday < *row.PlanLimit
		if !decision.Allowed {
			decision.Reason = "daily plan limit reached"
			decision.Remaining = 0
		}
		return decision
	}
	return s.freeTierDecision(&row.Feature, row.UsedToday)
}

// PruneUsage removes counters older than the retention window.
func (s *EntitlementService) PruneUsage(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := usageDay(time.Now()).AddDate(0, 0, -retentionDays)
	return s.store.PruneUsage(ctx, cutoff)
}
