package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
)

type auditStore interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]models.AuditLog, error)
}

// AuditService appends notable actions to the audit log. Write failures are
// logged, never surfaced: an audit outage must not break the operation it
// describes.
type AuditService struct {
	store  auditStore
	logger *zap.Logger
}

// NewAuditService constructs the audit sink.
func NewAuditService(store auditStore, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{store: store, logger: logger}
}

// Event records a regular domain action.
func (s *AuditService) Event(ctx context.Context, action string, actor models.ActorKind, actorID *string, targetID string, meta models.Metadata) {
	s.write(ctx, action, actor, actorID, targetID, meta)
}

// Security records an access violation. These also surface in the logs at
// warn level so they can be alerted on without a database query.
func (s *AuditService) Security(ctx context.Context, action string, actorID *string, targetID string, meta models.Metadata) {
	actor := "anonymous"
	if actorID != nil {
		actor = *actorID
	}
	s.logger.Warn("security event",
		zap.String("action", action), zap.String("actor", actor), zap.String("target", targetID))
	s.write(ctx, action, models.ActorUser, actorID, targetID, meta)
}

func (s *AuditService) write(ctx context.Context, action string, actor models.ActorKind, actorID *string, targetID string, meta models.Metadata) {
	target := targetID
	entry := &models.AuditLog{
		Action:    action,
		ActorID:   actorID,
		ActorKind: actor,
		TargetID:  &target,
		Metadata:  meta,
	}
	if err := s.store.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

// History lists the newest entries for a target.
func (s *AuditService) History(ctx context.Context, targetID string, limit int) ([]models.AuditLog, error) {
	return s.store.ListByTarget(ctx, targetID, limit)
}
