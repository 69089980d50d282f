package models

import "time"

// FeatureClass separates metered tool features from pure permission flags.
// PERMISSION features are decided by role alone; TOOL features fall through
// the plan and free-tier rungs.
type FeatureClass string

const (
	FeatureClassTool       FeatureClass = "TOOL"
	FeatureClassPermission FeatureClass = "PERMISSION"
)

// Feature is a named capability gated by the entitlement engine.
type Feature struct {
	ID            string       `db:"id" json:"id"`
	Code          string       `db:"code" json:"code"`
	Name          string       `db:"name" json:"name"`
	Description   string       `db:"description" json:"description,omitempty"`
	Class         FeatureClass `db:"class" json:"class"`
	FreeLimit     int64        `db:"free_limit" json:"free_limit"`
	PremiumAccess bool         `db:"premium_access" json:"premium_access"`
	Active        bool         `db:"active" json:"active"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// IsPermission reports whether access is granted or denied by role alone.
func (f *Feature) IsPermission() bool {
	return f.Class == FeatureClassPermission
}

// PlanFeature attaches a feature to a subscription plan with an optional
// daily limit. DailyLimit 0 means unlimited on that plan; Enabled false
// denies the feature outright regardless of the limit.
type PlanFeature struct {
	PlanID     string `db:"plan_id" json:"plan_id"`
	FeatureID  string `db:"feature_id" json:"feature_id"`
	Code       string `db:"code" json:"code"`
	Enabled    bool   `db:"enabled" json:"enabled"`
	DailyLimit int64  `db:"daily_limit" json:"daily_limit"`
}

// UserFeatureOverride grants or revokes a feature for one user, optionally
// until an expiry. An expired override is ignored.
type UserFeatureOverride struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	FeatureID string     `db:"feature_id" json:"feature_id"`
	Code      string     `db:"code" json:"code"`
	Granted   bool       `db:"granted" json:"granted"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Reason    string     `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Expired reports whether the override no longer applies at now.
func (o *UserFeatureOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// RolePermission grants a feature to an entire role.
type RolePermission struct {
	Role      UserRole `db:"role" json:"role"`
	FeatureID string   `db:"feature_id" json:"feature_id"`
	Code      string   `db:"code" json:"code"`
}

// FeatureUsage is a per-user, per-feature, per-day usage counter.
type FeatureUsage struct {
	UserID    string    `db:"user_id" json:"user_id"`
	FeatureID string    `db:"feature_id" json:"feature_id"`
	Day       time.Time `db:"day" json:"day"`
	Count     int64     `db:"count" json:"count"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DecisionSource names the ladder rung that produced an entitlement decision.
type DecisionSource string

const (
	SourceSuperAdmin DecisionSource = "SUPER_ADMIN"
	SourceOverride   DecisionSource = "OVERRIDE"
	SourceRole       DecisionSource = "ROLE"
	SourcePlan       DecisionSource = "PLAN"
	SourceFreeTier   DecisionSource = "FREE_TIER"
	SourceDenied     DecisionSource = "DENIED"
)

// Decision is the outcome of one entitlement check.
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Source    DecisionSource `json:"source"`
	Limit     int64          `json:"limit"`
	Used      int64          `json:"used"`
	Remaining int64          `json:"remaining"`
	Reason    string         `json:"reason,omitempty"`
}

// LimitExhausted reports whether the denial is a spent daily limit rather
// than a missing grant. Exhausted limits reset at the next UTC midnight.
func (d *Decision) LimitExhausted() bool {
	return !d.Allowed && d.Limit > 0 && d.Used >= d.Limit
}
