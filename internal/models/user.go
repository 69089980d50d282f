package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleUser       UserRole = "USER"
)

// SubscriptionStatus mirrors the billing system's lifecycle. Only the
// derived tier matters to the core.
type SubscriptionStatus string

const (
	SubscriptionFree        SubscriptionStatus = "FREE"
	SubscriptionPending     SubscriptionStatus = "PENDING_PAYMENT"
	SubscriptionActive      SubscriptionStatus = "ACTIVE"
	SubscriptionGracePeriod SubscriptionStatus = "GRACE_PERIOD"
	SubscriptionSuspended   SubscriptionStatus = "SUSPENDED"
	SubscriptionCanceled    SubscriptionStatus = "CANCELED"
)

// User represents an account row. Password and session handling live in the
// external auth service; the core only reads identity and tier inputs.
type User struct {
	ID                 string             `db:"id" json:"id"`
	Email              string             `db:"email" json:"email"`
	Role               UserRole           `db:"role" json:"role"`
	SubscriptionStatus SubscriptionStatus `db:"subscription_status" json:"subscription_status"`
	PlanID             *string            `db:"plan_id" json:"plan_id,omitempty"`
	PlanKind           *string            `db:"plan_kind" json:"plan_kind,omitempty"`
	Active             bool               `db:"active" json:"active"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// IsSuperAdmin reports whether entitlement checks short-circuit to allow.
func (u *User) IsSuperAdmin() bool {
	return u != nil && u.Role == RoleSuperAdmin
}

// Tier derives the policy bucket from role, subscription status, and plan
// kind. A nil user is a guest.
func (u *User) Tier() UserTier {
	if u == nil {
		return TierGuest
	}
	if u.Role == RoleAdmin || u.Role == RoleSuperAdmin {
		return TierAdmin
	}
	switch u.SubscriptionStatus {
	case SubscriptionActive, SubscriptionGracePeriod:
		if u.PlanKind != nil && *u.PlanKind == "team" {
			return TierTeam
		}
		return TierPremium
	default:
		return TierFree
	}
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	Email  string   `json:"email"`
	jwt.RegisteredClaims
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
