package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docflow-api/internal/models"
)

// EntitlementRepository persists features, grants, and daily usage counters.
type EntitlementRepository struct {
	db *sqlx.DB
}

// NewEntitlementRepository constructs the repository.
func NewEntitlementRepository(db *sqlx.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// GetFeatureByCode loads an active feature by its code.
func (r *EntitlementRepository) GetFeatureByCode(ctx context.Context, code string) (*models.Feature, error) {
	const query = `SELECT id, code, name, description, class, free_limit, premium_access, active, created_at
	FROM features WHERE code = $1 AND active = TRUE`
	var feature models.Feature
	if err := r.db.GetContext(ctx, &feature, query, code); err != nil {
		return nil, err
	}
	return &feature, nil
}

// GetOverride returns the user's override for a feature, or sql.ErrNoRows.
func (r *EntitlementRepository) GetOverride(ctx context.Context, userID, featureID string) (*models.UserFeatureOverride, error) {
	const query = `SELECT o.id, o.user_id, o.feature_id, f.code, o.granted, o.expires_at, o.reason, o.created_at
	FROM user_feature_overrides o JOIN features f ON f.id = o.feature_id
	WHERE o.user_id = $1 AND o.feature_id = $2
	ORDER BY o.created_at DESC LIMIT 1`
	var override models.UserFeatureOverride
	if err := r.db.GetContext(ctx, &override, query, userID, featureID); err != nil {
		return nil, err
	}
	return &override, nil
}

// HasRolePermission reports whether the role grants the feature.
func (r *EntitlementRepository) HasRolePermission(ctx context.Context, role models.UserRole, featureID string) (bool, error) {
	const query = `SELECT 1 FROM role_permissions WHERE role = $1 AND feature_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, role, featureID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check role permission: %w", err)
	}
	return true, nil
}

// GetPlanFeature returns the plan's grant for a feature, or sql.ErrNoRows.
func (r *EntitlementRepository) GetPlanFeature(ctx context.Context, planID, featureID string) (*models.PlanFeature, error) {
	const query = `SELECT pf.plan_id, pf.feature_id, f.code, pf.enabled, pf.daily_limit
	FROM plan_features pf JOIN features f ON f.id = pf.feature_id
	WHERE pf.plan_id = $1 AND pf.feature_id = $2`
	var pf models.PlanFeature
	if err := r.db.GetContext(ctx, &pf, query, planID, featureID); err != nil {
		return nil, err
	}
	return &pf, nil
}

// GetUsage returns today's usage count for (user, feature). Missing rows
// count as zero.
func (r *EntitlementRepository) GetUsage(ctx context.Context, userID, featureID string, day time.Time) (int64, error) {
	const query = `SELECT count FROM feature_usage WHERE user_id = $1 AND feature_id = $2 AND day = $3`
	var count int64
	if err := r.db.GetContext(ctx, &count, query, userID, featureID, day); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("get feature usage: %w", err)
	}
	return count, nil
}

// IncrementUsage atomically bumps the daily counter by count, creating the
// row on first use, and returns the new total.
func (r *EntitlementRepository) IncrementUsage(ctx context.Context, userID, featureID string, day time.Time, count int) (int64, error) {
	const query = `INSERT INTO feature_usage (user_id, feature_id, day, count, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id, feature_id, day)
	DO UPDATE SET count = feature_usage.count + $4, updated_at = $5
	RETURNING count`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, userID, featureID, day, count, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("increment feature usage: %w", err)
	}
	return total, nil
}

// PruneUsage deletes usage rows older than the cutoff day and returns how
// many were removed.
func (r *EntitlementRepository) PruneUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM feature_usage WHERE day < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune feature usage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check prune rows: %w", err)
	}
	return rows, nil
}

// UserEntitlementRow is one feature with the user-specific grants joined in,
// used by the bulk listing endpoint.
type UserEntitlementRow struct {
	models.Feature
	OverrideGranted *bool      `db:"override_granted"`
	OverrideExpires *time.Time `db:"override_expires"`
	RoleGranted     bool       `db:"role_granted"`
	PlanEnabled     *bool      `db:"plan_enabled"`
	PlanLimit       *int64     `db:"plan_limit"`
	UsedToday       int64      `db:"used_today"`
}

// ListForUser fetches every active feature with the user's override, role
// grant, plan limit, and today's usage in a single query.
func (r *EntitlementRepository) ListForUser(ctx context.Context, userID string, role models.UserRole, planID *string, day time.Time) ([]UserEntitlementRow, error) {
	const query = `SELECT f.id, f.code, f.name, f.description, f.class, f.free_limit, f.premium_access, f.active, f.created_at,
	       o.granted AS override_granted, o.expires_at AS override_expires,
	       (rp.feature_id IS NOT NULL) AS role_granted,
	       pf.enabled AS plan_enabled,
	       pf.daily_limit AS plan_limit,
	       COALESCE(u.count, 0) AS used_today
	FROM features f
	LEFT JOIN user_feature_overrides o ON o.feature_id = f.id AND o.user_id = $1
	LEFT JOIN role_permissions rp ON rp.feature_id = f.id AND rp.role = $2
	LEFT JOIN plan_features pf ON pf.feature_id = f.id AND pf.plan_id = $3
	LEFT JOIN feature_usage u ON u.feature_id = f.id AND u.user_id = $1 AND u.day = $4
	WHERE f.active = TRUE
	ORDER BY f.code ASC`
	var rows []UserEntitlementRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, role, planID, day); err != nil {
		return nil, fmt.Errorf("list user entitlements: %w", err)
	}
	return rows, nil
}
