package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docflow-api/internal/models"
)

// ErrStateConflict is returned when a compare-and-swap transition loses the
// race: the row's current state no longer matches the expected state.
var ErrStateConflict = errors.New("file state conflict")

const fileColumns = `id, owner_id, original_name, mime_type, original_checksum, current_state, current_version,
       size_bytes, page_count, is_encrypted, storage_key, expires_at, metadata, created_at, updated_at`

// FileRepository persists file assets, their versions, and the append-only
// transition log.
type FileRepository struct {
	db *sqlx.DB
}

// NewFileRepository constructs the repository.
func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a new file asset row in its initial state.
func (r *FileRepository) Create(ctx context.Context, file *models.FileAsset) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.CurrentState == "" {
		file.CurrentState = models.FileStateCreated
	}
	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = now

	const query = `INSERT INTO file_assets
	(id, owner_id, original_name, mime_type, original_checksum, current_state, current_version, size_bytes, page_count, is_encrypted, storage_key, expires_at, metadata, created_at, updated_at)
	VALUES (:id, :owner_id, :original_name, :mime_type, :original_checksum, :current_state, :current_version, :size_bytes, :page_count, :is_encrypted, :storage_key, :expires_at, :metadata, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, file); err != nil {
		return fmt.Errorf("create file asset: %w", err)
	}
	return nil
}

// GetByID loads a file asset by identifier.
func (r *FileRepository) GetByID(ctx context.Context, id string) (*models.FileAsset, error) {
	query := `SELECT ` + fileColumns + ` FROM file_assets WHERE id = $1`
	var file models.FileAsset
	if err := r.db.GetContext(ctx, &file, query, id); err != nil {
		return nil, err
	}
	return &file, nil
}

// FindByChecksum returns the owner's newest non-deleted file with the given
// original checksum, or sql.ErrNoRows.
func (r *FileRepository) FindByChecksum(ctx context.Context, ownerID, checksum string) (*models.FileAsset, error) {
	query := `SELECT ` + fileColumns + ` FROM file_assets
	WHERE owner_id = $1 AND original_checksum = $2 AND current_state <> $3
	ORDER BY created_at DESC LIMIT 1`
	var file models.FileAsset
	if err := r.db.GetContext(ctx, &file, query, ownerID, checksum, models.FileStateDeleted); err != nil {
		return nil, err
	}
	return &file, nil
}

// ListByOwner returns the owner's files, newest first, excluding deleted ones.
func (r *FileRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]models.FileAsset, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT `+fileColumns+` FROM file_assets
	WHERE owner_id = $1 AND current_state <> $2 ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	var files []models.FileAsset
	if err := r.db.SelectContext(ctx, &files, query, ownerID, models.FileStateDeleted); err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM file_assets WHERE owner_id = $1 AND current_state <> $2`, ownerID, models.FileStateDeleted); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}
	return files, total, nil
}

// Transition atomically moves a file from one state to another and appends a
// state log entry in the same transaction. The update is guarded by the
// expected current state; losing the compare-and-swap returns
// ErrStateConflict and writes nothing.
func (r *FileRepository) Transition(ctx context.Context, log *models.StateLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}

	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`UPDATE file_assets SET current_state = $1, updated_at = $2 WHERE id = $3 AND current_state = $4`,
		log.ToState, log.Timestamp, log.FileID, log.FromState)
	if err != nil {
		return fmt.Errorf("transition file state: %w", err)
	}
	var rows int64
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition rows: %w", err)
	}
	if rows == 0 {
		err = ErrStateConflict
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO file_state_logs (file_id, from_state, to_state, actor_kind, actor_id, metadata, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.FileID, log.FromState, log.ToState, log.ActorKind, log.ActorID, log.Metadata, log.Timestamp); err != nil {
		return fmt.Errorf("append state log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// AppendVersion inserts an immutable version row and bumps the asset's
// current version pointer, storage key, and size in one transaction. The
// update is guarded by the expected previous version number so concurrent
// writers cannot both claim the same slot.
func (r *FileRepository) AppendVersion(ctx context.Context, version *models.FileVersion) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO file_versions (file_id, version, storage_key, size_bytes, sha256, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		version.FileID, version.Version, version.StorageKey, version.SizeBytes, version.SHA256, version.Metadata, version.CreatedAt); err != nil {
		return fmt.Errorf("insert file version: %w", err)
	}

	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`UPDATE file_assets SET current_version = $1, storage_key = $2, size_bytes = $3, updated_at = $4 WHERE id = $5 AND current_version = $6`,
		version.Version, version.StorageKey, version.SizeBytes, version.CreatedAt, version.FileID, version.Version-1)
	if err != nil {
		return fmt.Errorf("bump current version: %w", err)
	}
	var rows int64
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check version rows: %w", err)
	}
	if rows == 0 {
		err = ErrStateConflict
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit version tx: %w", err)
	}
	return nil
}

// GetVersion loads one version row for (file, version).
func (r *FileRepository) GetVersion(ctx context.Context, fileID string, version int) (*models.FileVersion, error) {
	const query = `SELECT file_id, version, storage_key, size_bytes, sha256, metadata, created_at
	FROM file_versions WHERE file_id = $1 AND version = $2`
	var v models.FileVersion
	if err := r.db.GetContext(ctx, &v, query, fileID, version); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns all versions of a file in ascending order.
func (r *FileRepository) ListVersions(ctx context.Context, fileID string) ([]models.FileVersion, error) {
	const query = `SELECT file_id, version, storage_key, size_bytes, sha256, metadata, created_at
	FROM file_versions WHERE file_id = $1 ORDER BY version ASC`
	var versions []models.FileVersion
	if err := r.db.SelectContext(ctx, &versions, query, fileID); err != nil {
		return nil, fmt.Errorf("list file versions: %w", err)
	}
	return versions, nil
}

// ListStateLogs returns the full transition history of a file in order.
func (r *FileRepository) ListStateLogs(ctx context.Context, fileID string) ([]models.StateLog, error) {
	const query = `SELECT id, file_id, from_state, to_state, actor_kind, actor_id, metadata, ts
	FROM file_state_logs WHERE file_id = $1 ORDER BY id ASC`
	var logs []models.StateLog
	if err := r.db.SelectContext(ctx, &logs, query, fileID); err != nil {
		return nil, fmt.Errorf("list state logs: %w", err)
	}
	return logs, nil
}

// StorageUsage sums the stored bytes of an owner's non-deleted files.
func (r *FileRepository) StorageUsage(ctx context.Context, ownerID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(size_bytes), 0) FROM file_assets WHERE owner_id = $1 AND current_state <> $2`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, ownerID, models.FileStateDeleted); err != nil {
		return 0, fmt.Errorf("sum storage usage: %w", err)
	}
	return total, nil
}

// ListExpired returns available files whose expiry has passed.
func (r *FileRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.FileAsset, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+fileColumns+` FROM file_assets
	WHERE expires_at IS NOT NULL AND expires_at <= $1 AND current_state = $2 ORDER BY expires_at ASC LIMIT %d`, limit)
	var files []models.FileAsset
	if err := r.db.SelectContext(ctx, &files, query, now, models.FileStateAvailable); err != nil {
		return nil, fmt.Errorf("list expired files: %w", err)
	}
	return files, nil
}

// UpdateStorageKey points the asset at its stored object. Needed once after
// creation because the key embeds the minted file ID.
func (r *FileRepository) UpdateStorageKey(ctx context.Context, fileID, key string) error {
	const query = `UPDATE file_assets SET storage_key = $1, updated_at = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, key, time.Now().UTC(), fileID); err != nil {
		return fmt.Errorf("update storage key: %w", err)
	}
	return nil
}

// UpdateValidation persists the validator's findings on the asset row.
func (r *FileRepository) UpdateValidation(ctx context.Context, fileID string, pageCount *int, encrypted bool) error {
	const query = `UPDATE file_assets SET page_count = $1, is_encrypted = $2, updated_at = $3 WHERE id = $4`
	if _, err := r.db.ExecContext(ctx, query, pageCount, encrypted, time.Now().UTC(), fileID); err != nil {
		return fmt.Errorf("update validation fields: %w", err)
	}
	return nil
}

// FindByShareID locates the file holding a share record with the given ID.
func (r *FileRepository) FindByShareID(ctx context.Context, shareID string) (*models.FileAsset, error) {
	query := `SELECT ` + fileColumns + ` FROM file_assets
	WHERE metadata->'shares' @> jsonb_build_array(jsonb_build_object('share_id', $1::text))
	LIMIT 1`
	var file models.FileAsset
	if err := r.db.GetContext(ctx, &file, query, shareID); err != nil {
		return nil, err
	}
	return &file, nil
}

// MutateMetadata loads the file's metadata under a row lock, applies fn, and
// writes the result back in the same transaction. Share mutations go through
// here so concurrent redemptions cannot lose counter increments.
func (r *FileRepository) MutateMetadata(ctx context.Context, fileID string, fn func(meta models.Metadata) (models.Metadata, error)) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var meta models.Metadata
	if err = tx.GetContext(ctx, &meta, `SELECT metadata FROM file_assets WHERE id = $1 FOR UPDATE`, fileID); err != nil {
		return err
	}

	var updated models.Metadata
	updated, err = fn(meta)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE file_assets SET metadata = $1, updated_at = $2 WHERE id = $3`,
		updated, time.Now().UTC(), fileID); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata tx: %w", err)
	}
	return nil
}

// RebindOwner assigns an owner to a guest-uploaded file and clears its guest
// expiry. Files that already have an owner are left alone.
func (r *FileRepository) RebindOwner(ctx context.Context, fileID, ownerID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE file_assets SET owner_id = $1, expires_at = NULL, updated_at = $2 WHERE id = $3 AND owner_id IS NULL`,
		ownerID, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("rebind owner: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rebind rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
