package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
)

func newFileRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestFileRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO file_assets")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	owner := "user-1"
	file := &models.FileAsset{
		OwnerID:          &owner,
		OriginalName:     "report.pdf",
		MimeType:         "application/pdf",
		OriginalChecksum: "abc123",
		SizeBytes:        2048,
		StorageKey:       "uploads/user-1/report.pdf",
	}
	require.NoError(t, repo.Create(context.Background(), file))
	require.NotEmpty(t, file.ID)
	require.Equal(t, models.FileStateCreated, file.CurrentState)

	rows := sqlmock.NewRows([]string{"id", "owner_id", "original_name", "mime_type", "original_checksum", "current_state", "current_version", "size_bytes", "page_count", "is_encrypted", "storage_key", "expires_at", "metadata", "created_at", "updated_at"}).
		AddRow(file.ID, owner, "report.pdf", "application/pdf", "abc123", "CREATED", 0, 2048, nil, false, "uploads/user-1/report.pdf", nil, `{}`, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id, original_name")).
		WithArgs(file.ID).
		WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), file.ID)
	require.NoError(t, err)
	require.Equal(t, file.ID, found.ID)
	require.Equal(t, models.FileStateCreated, found.CurrentState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepositoryTransitionCAS(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE file_assets SET current_state")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO file_state_logs")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	log := &models.StateLog{
		FileID:    "file-1",
		FromState: models.FileStateCreated,
		ToState:   models.FileStateUploading,
		ActorKind: models.ActorSystem,
	}
	require.NoError(t, repo.Transition(context.Background(), log))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepositoryTransitionConflictRollsBack(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE file_assets SET current_state")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	log := &models.StateLog{
		FileID:    "file-1",
		FromState: models.FileStateCreated,
		ToState:   models.FileStateUploading,
		ActorKind: models.ActorSystem,
	}
	err := repo.Transition(context.Background(), log)
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepositoryAppendVersion(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO file_versions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE file_assets SET current_version")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	version := &models.FileVersion{
		FileID:     "file-1",
		Version:    1,
		StorageKey: "outputs/file-1/v1.pdf",
		SizeBytes:  4096,
		SHA256:     "deadbeef",
	}
	require.NoError(t, repo.AppendVersion(context.Background(), version))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepositoryAppendVersionConflict(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO file_versions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE file_assets SET current_version")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	version := &models.FileVersion{
		FileID:     "file-1",
		Version:    2,
		StorageKey: "outputs/file-1/v2.pdf",
		SizeBytes:  4096,
		SHA256:     "deadbeef",
	}
	err := repo.AppendVersion(context.Background(), version)
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepositoryStorageUsage(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(size_bytes), 0) FROM file_assets")).
		WithArgs("user-1", string(models.FileStateDeleted)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(123456))

	total, err := repo.StorageUsage(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(123456), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepositoryRebindOwnerAlreadyBound(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewFileRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE file_assets SET owner_id")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RebindOwner(context.Background(), "file-1", "user-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
