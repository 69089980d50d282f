package models

import "time"

// FileState enumerates the lifecycle states of a file asset.
type FileState string

const (
	FileStateCreated            FileState = "CREATED"
	FileStateUploading          FileState = "UPLOADING"
	FileStateValidated          FileState = "VALIDATED"
	FileStateTempStored         FileState = "TEMP_STORED"
	FileStateMetadataRegistered FileState = "METADATA_REGISTERED"
	FileStateQueued             FileState = "QUEUED"
	FileStateProcessing         FileState = "PROCESSING"
	FileStateOutputGenerated    FileState = "OUTPUT_GENERATED"
	FileStatePreviewGenerated   FileState = "PREVIEW_GENERATED"
	FileStateStoredFinal        FileState = "STORED_FINAL"
	FileStateAvailable          FileState = "AVAILABLE"
	FileStateExpired            FileState = "EXPIRED"
	FileStateDeleted            FileState = "DELETED"
	FileStateFailed             FileState = "FAILED"
)

// ValidFileTransitions maps each state to its legal successors.
// METADATA_REGISTERED → AVAILABLE is the plain-upload path with no tool run;
// AVAILABLE → QUEUED admits an already-published file for reprocessing.
var ValidFileTransitions = map[FileState][]FileState{
	FileStateCreated:            {FileStateUploading, FileStateFailed, FileStateDeleted},
	FileStateUploading:          {FileStateValidated, FileStateFailed},
	FileStateValidated:          {FileStateTempStored, FileStateFailed},
	FileStateTempStored:         {FileStateMetadataRegistered, FileStateFailed},
	FileStateMetadataRegistered: {FileStateQueued, FileStateAvailable, FileStateFailed},
	FileStateQueued:             {FileStateProcessing, FileStateFailed},
	FileStateProcessing:         {FileStateOutputGenerated, FileStateFailed},
	FileStateOutputGenerated:    {FileStatePreviewGenerated, FileStateStoredFinal, FileStateFailed},
	FileStatePreviewGenerated:   {FileStateStoredFinal, FileStateFailed},
	FileStateStoredFinal:        {FileStateAvailable, FileStateFailed},
	FileStateAvailable:          {FileStateQueued, FileStateExpired, FileStateDeleted},
	FileStateExpired:            {FileStateDeleted},
	FileStateFailed:             {FileStateDeleted, FileStateQueued},
	FileStateDeleted:            {},
}

// CanTransition reports whether current → target is legal.
func CanTransition(current, target FileState) bool {
	for _, allowed := range ValidFileTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s FileState) IsTerminal() bool {
	return s == FileStateDeleted
}

// ActorKind identifies who triggered a transition.
type ActorKind string

const (
	ActorUser   ActorKind = "USER"
	ActorSystem ActorKind = "SYSTEM"
	ActorWorker ActorKind = "WORKER"
)

// FileAsset is the canonical identity of a document. Identity fields are
// immutable after registration; lifecycle fields move only through the state
// machine.
type FileAsset struct {
	ID               string     `db:"id" json:"id"`
	OwnerID          *string    `db:"owner_id" json:"owner_id,omitempty"`
	OriginalName     string     `db:"original_name" json:"original_name"`
	MimeType         string     `db:"mime_type" json:"mime_type"`
	OriginalChecksum string     `db:"original_checksum" json:"original_checksum"`
	CurrentState     FileState  `db:"current_state" json:"current_state"`
	CurrentVersion   int        `db:"current_version" json:"current_version"`
	SizeBytes        int64      `db:"size_bytes" json:"size_bytes"`
	PageCount        *int       `db:"page_count" json:"page_count,omitempty"`
	IsEncrypted      bool       `db:"is_encrypted" json:"is_encrypted"`
	StorageKey       string     `db:"storage_key" json:"-"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Metadata         Metadata   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// IsOwnedBy reports whether userID owns the asset.
func (f *FileAsset) IsOwnedBy(userID string) bool {
	return f.OwnerID != nil && *f.OwnerID == userID
}

// FileVersion is an immutable output artifact for (file_id, version).
type FileVersion struct {
	FileID     string    `db:"file_id" json:"file_id"`
	Version    int       `db:"version" json:"version"`
	StorageKey string    `db:"storage_key" json:"-"`
	SizeBytes  int64     `db:"size_bytes" json:"size_bytes"`
	SHA256     string    `db:"sha256" json:"sha256"`
	Metadata   Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StateLog is an append-only record of one lifecycle transition.
type StateLog struct {
	ID        int64     `db:"id" json:"id"`
	FileID    string    `db:"file_id" json:"file_id"`
	FromState FileState `db:"from_state" json:"from_state"`
	ToState   FileState `db:"to_state" json:"to_state"`
	ActorKind ActorKind `db:"actor_kind" json:"actor_kind"`
	ActorID   *string   `db:"actor_id" json:"actor_id,omitempty"`
	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	Timestamp time.Time `db:"ts" json:"ts"`
}
