package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

// rateCounter is the slice of the Redis API the throttle needs. Counters use
// atomic INCR with TTL; small over-delivery at window rollover is acceptable,
// under-counting is not.
type rateCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, value int64) (int64, error)
	DecrBy(ctx context.Context, key string, value int64) (int64, error)
}

type activeJobCounter interface {
	CountActiveByOwner(ctx context.Context, ownerID string) (int64, error)
}

type storageUsageReader interface {
	StorageUsage(ctx context.Context, ownerID string) (int64, error)
}

// QuotaService enforces the tier tables: request rate per minute, jobs per
// hour, concurrent jobs, and total storage. Rates live in Redis; concurrency
// and storage are counted from the database with in-flight reservations on
// top.
type QuotaService struct {
	counters rateCounter
	jobs     activeJobCounter
	files    storageUsageReader
	logger   *zap.Logger
}

// NewQuotaService constructs the throttle.
func NewQuotaService(counters rateCounter, jobs activeJobCounter, files storageUsageReader, logger *zap.Logger) *QuotaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaService{counters: counters, jobs: jobs, files: files, logger: logger}
}

// subject identifies the rate-limit principal: user ID or client IP for
// guests.
func subject(user *models.User, clientIP string) string {
	if user != nil {
		return "user:" + user.ID
	}
	return "ip:" + clientIP
}

func tierOf(user *models.User) models.UserTier {
	return user.Tier()
}

// AllowRequest applies the per-minute API rate limit. Returns the number of
// seconds to wait when throttled.
func (s *QuotaService) AllowRequest(ctx context.Context, user *models.User, clientIP string) (bool, int, error) {
	limit := tierOf(user).RequestsPerMinute()
	if limit == models.Unlimited {
		return true, 0, nil
	}
	now := time.Now().UTC()
	key := fmt.Sprintf("rate:req:%s:%s", subject(user, clientIP), now.Format("200601021504"))
	return s.window(ctx, key, limit, time.Minute, now.Truncate(time.Minute).Add(time.Minute))
}

// AllowJobCreate applies the hourly job-creation limit.
func (s *QuotaService) AllowJobCreate(ctx context.Context, user *models.User, clientIP string) (bool, int, error) {
	limit := tierOf(user).JobsPerHour()
	if limit == models.Unlimited {
		return true, 0, nil
	}
	now := time.Now().UTC()
	key := fmt.Sprintf("rate:jobs:%s:%s", subject(user, clientIP), now.Format("2006010215"))
	return s.window(ctx, key, limit, time.Hour, now.Truncate(time.Hour).Add(time.Hour))
}

// window counts one hit in a fixed bucket and compares against the limit.
// The bucket expires shortly after its window so abandoned keys clean
// themselves up.
func (s *QuotaService) window(ctx context.Context, key string, limit int64, ttl time.Duration, reset time.Time) (bool, int, error) {
	count, err := s.counters.Incr(ctx, key)
	if err != nil {
		// A dead fast store must not take the API down with it.
		s.logger.Warn("rate counter unavailable, allowing request", zap.Error(err))
		return true, 0, nil
	}
	if count == 1 {
		if err := s.counters.Expire(ctx, key, ttl+time.Minute); err != nil {
			s.logger.Warn("failed to set counter TTL", zap.String("key", key), zap.Error(err))
		}
	}
	if count > limit {
		retryAfter := int(time.Until(reset).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// CheckConcurrency rejects job creation when the user already has the tier's
// maximum of active jobs. Guests are keyed by IP in the hourly limiter only,
// so a nil user passes with the guest ceiling applied per file elsewhere.
func (s *QuotaService) CheckConcurrency(ctx context.Context, user *models.User) error {
	if user == nil {
		return nil
	}
	limit := user.Tier().MaxConcurrentJobs()
	if limit == models.Unlimited {
		return nil
	}
	active, err := s.jobs.CountActiveByOwner(ctx, user.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active jobs")
	}
	if active >= limit {
		return appErrors.WithRetryAfter(
			appErrors.Clone(appErrors.ErrQuotaExceeded,
				fmt.Sprintf("concurrent job limit of %d reached", limit)), 30)
	}
	return nil
}

// reservationKey tracks bytes of uploads accepted but not yet counted in the
// database sum.
func reservationKey(ownerID string) string {
	return "storage:reserved:" + ownerID
}

// CheckStorage verifies that used + incoming fits the tier's storage quota,
// counting in-flight reservations, and reserves the incoming bytes on
// success. Callers must pair this with FinalizeReservation.
func (s *QuotaService) CheckStorage(ctx context.Context, user *models.User, incoming int64) error {
	if user == nil {
		// Guests own no durable storage; their uploads expire on their own.
		return nil
	}
	limit := user.Tier().StorageQuotaBytes()
	if limit == models.Unlimited {
		return nil
	}

	used, err := s.files.StorageUsage(ctx, user.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute storage usage")
	}
	reserved, err := s.counters.Get(ctx, reservationKey(user.ID))
	if err != nil {
		s.logger.Warn("reservation counter unavailable", zap.Error(err))
		reserved = 0
	}

	if used+reserved+incoming > limit {
		return appErrors.Clone(appErrors.ErrStorageQuota,
			fmt.Sprintf("storage quota exceeded: %d of %d bytes used", used+reserved, limit))
	}

	if _, err := s.counters.IncrBy(ctx, reservationKey(user.ID), incoming); err != nil {
		s.logger.Warn("failed to reserve storage", zap.Error(err))
	}
	return nil
}

// FinalizeReservation releases the in-flight byte reservation once the
// upload either landed in the database sum or failed.
func (s *QuotaService) FinalizeReservation(ctx context.Context, user *models.User, bytes int64) {
	if user == nil || bytes <= 0 {
		return
	}
	if _, err := s.counters.DecrBy(ctx, reservationKey(user.ID), bytes); err != nil {
		s.logger.Warn("failed to release storage reservation", zap.Error(err))
	}
}
