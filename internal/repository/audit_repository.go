package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docflow-api/internal/models"
)

// AuditRepository appends to the audit log table.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends one audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (action, actor_id, actor_kind, target_id, request_id, metadata, created_at)
	VALUES (:action, :actor_id, :actor_kind, :target_id, :request_id, :metadata, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListByTarget returns the newest audit entries for a target.
func (r *AuditRepository) ListByTarget(ctx context.Context, targetID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, action, actor_id, actor_kind, target_id, request_id, metadata, created_at
	FROM audit_logs WHERE target_id = $1 ORDER BY id DESC LIMIT %d`, limit)
	var entries []models.AuditLog
	if err := r.db.SelectContext(ctx, &entries, query, targetID); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return entries, nil
}
