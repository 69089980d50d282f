package models

// UserTier is the policy bucket used for quotas, rate limits, and priority.
type UserTier string

const (
	TierGuest   UserTier = "GUEST"
	TierFree    UserTier = "FREE"
	TierPremium UserTier = "PREMIUM"
	TierTeam    UserTier = "TEAM"
	TierAdmin   UserTier = "ADMIN"
)

// Unlimited marks a quota or rate limit with no cap.
const Unlimited = int64(-1)

// StorageQuotaBytes returns the total storage cap for a tier.
func (t UserTier) StorageQuotaBytes() int64 {
	switch t {
	case TierGuest:
		return 0
	case TierFree:
		return 100 << 20
	case TierPremium:
		return 1 << 30
	case TierTeam:
		return 10 << 30
	case TierAdmin:
		return Unlimited
	default:
		return 0
	}
}

// RequestsPerMinute returns the API rate limit for a tier.
func (t UserTier) RequestsPerMinute() int64 {
	switch t {
	case TierGuest:
		return 5
	case TierFree:
		return 20
	case TierPremium:
		return 60
	case TierTeam:
		return 120
	case TierAdmin:
		return Unlimited
	default:
		return 5
	}
}

// JobsPerHour returns how many jobs a tier may create per hour.
func (t UserTier) JobsPerHour() int64 {
	switch t {
	case TierGuest:
		return 10
	case TierFree:
		return 50
	case TierPremium:
		return 500
	case TierTeam:
		return 1000
	case TierAdmin:
		return Unlimited
	default:
		return 10
	}
}

// MaxConcurrentJobs returns the active-job ceiling for a tier. Active means
// PENDING, QUEUED, or PROCESSING.
func (t UserTier) MaxConcurrentJobs() int64 {
	switch t {
	case TierGuest:
		return 1
	case TierFree:
		return 2
	case TierPremium:
		return 5
	case TierTeam:
		return 10
	case TierAdmin:
		return Unlimited
	default:
		return 1
	}
}

// Priority returns the queue priority and queue name for a tier. Admins get
// the highest priority; paid tiers share the high queue; guests and free
// users run on the default queue at baseline priority.
func (t UserTier) Priority() (priority int, queue string) {
	switch t {
	case TierAdmin:
		return 100, QueueHigh
	case TierPremium, TierTeam:
		return 50, QueueHigh
	default:
		return 0, QueueDefault
	}
}
