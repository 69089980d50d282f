package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docflow-api/internal/models"
)

const userColumns = `id, email, role, subscription_status, plan_id, plan_kind, active, created_at, updated_at`

// UserRepository reads account rows. Accounts are owned by the external auth
// service; the core only needs identity and tier inputs.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository constructs the repository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID loads a user by identifier.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail loads a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		return nil, err
	}
	return &user, nil
}
