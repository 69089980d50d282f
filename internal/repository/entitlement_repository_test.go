package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
)

func TestEntitlementRepositoryGetFeatureByCode(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewEntitlementRepository(db)
	rows := sqlmock.NewRows([]string{"id", "code", "name", "description", "class", "free_limit", "premium_access", "active", "created_at"}).
		AddRow("feat-1", "pdf_merge", "PDF Merge", "", "TOOL", 3, true, true, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name, description, class, free_limit, premium_access, active, created_at")).
		WithArgs("pdf_merge").
		WillReturnRows(rows)

	feature, err := repo.GetFeatureByCode(context.Background(), "pdf_merge")
	require.NoError(t, err)
	require.Equal(t, "feat-1", feature.ID)
	require.Equal(t, models.FeatureClassTool, feature.Class)
	require.False(t, feature.IsPermission())
	require.Equal(t, int64(3), feature.FreeLimit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntitlementRepositoryUsageMissingRowIsZero(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewEntitlementRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count FROM feature_usage")).
		WillReturnError(sql.ErrNoRows)

	count, err := repo.GetUsage(context.Background(), "user-1", "feat-1", time.Now().Truncate(24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntitlementRepositoryIncrementUsageReturnsNewCount(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewEntitlementRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO feature_usage")).
		WithArgs("user-1", "feat-1", sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.IncrementUsage(context.Background(), "user-1", "feat-1", time.Now().Truncate(24*time.Hour), 3)
	require.NoError(t, err)
	require.Equal(t, int64(4), count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntitlementRepositoryHasRolePermission(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewEntitlementRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM role_permissions")).
		WithArgs(string(models.RoleAdmin), "feat-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	granted, err := repo.HasRolePermission(context.Background(), models.RoleAdmin, "feat-1")
	require.NoError(t, err)
	require.True(t, granted)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM role_permissions")).
		WillReturnError(sql.ErrNoRows)
	granted, err = repo.HasRolePermission(context.Background(), models.RoleUser, "feat-1")
	require.NoError(t, err)
	require.False(t, granted)
	require.NoError(t, mock.ExpectationsWereMet())
}
