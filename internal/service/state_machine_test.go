package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

type stubTransitionStore struct {
	logs      []models.StateLog
	err       error
	histories map[string][]models.StateLog
}

func (s *stubTransitionStore) Transition(_ context.Context, log *models.StateLog) error {
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, *log)
	return nil
}

func (s *stubTransitionStore) ListStateLogs(_ context.Context, fileID string) ([]models.StateLog, error) {
	return s.histories[fileID], nil
}

func TestStateMachineLegalTransition(t *testing.T) {
	store := &stubTransitionStore{}
	sm := NewStateMachine(store, nil)

	file := &models.FileAsset{ID: "file-1", CurrentState: models.FileStateCreated}
	err := sm.Transition(context.Background(), file, models.FileStateUploading, models.ActorSystem, nil, nil)
	require.NoError(t, err)
	require.Equal(t, models.FileStateUploading, file.CurrentState)
	require.Len(t, store.logs, 1)
	require.Equal(t, models.FileStateCreated, store.logs[0].FromState)
	require.Equal(t, models.FileStateUploading, store.logs[0].ToState)
}

func TestStateMachineRejectsIllegalTransition(t *testing.T) {
	store := &stubTransitionStore{}
	sm := NewStateMachine(store, nil)

	file := &models.FileAsset{ID: "file-1", CurrentState: models.FileStateCreated}
	err := sm.Transition(context.Background(), file, models.FileStateAvailable, models.ActorSystem, nil, nil)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErr.Code)
	require.Empty(t, store.logs)
	require.Equal(t, models.FileStateCreated, file.CurrentState)
}

func TestStateMachineDeletedIsTerminal(t *testing.T) {
	store := &stubTransitionStore{}
	sm := NewStateMachine(store, nil)

	file := &models.FileAsset{ID: "file-1", CurrentState: models.FileStateDeleted}
	for _, target := range []models.FileState{
		models.FileStateCreated, models.FileStateQueued, models.FileStateAvailable,
	} {
		err := sm.Transition(context.Background(), file, target, models.ActorSystem, nil, nil)
		require.Error(t, err)
	}
	require.Empty(t, store.logs)
}

func TestStateMachineConcurrentLoserGetsConflict(t *testing.T) {
	store := &stubTransitionStore{err: repository.ErrStateConflict}
	sm := NewStateMachine(store, nil)

	file := &models.FileAsset{ID: "file-1", CurrentState: models.FileStateCreated}
	err := sm.Transition(context.Background(), file, models.FileStateUploading, models.ActorSystem, nil, nil)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	require.Equal(t, models.FileStateCreated, file.CurrentState)
}

func TestStateMachineWalkHappyPath(t *testing.T) {
	store := &stubTransitionStore{}
	sm := NewStateMachine(store, nil)

	file := &models.FileAsset{ID: "file-1", CurrentState: models.FileStateOutputGenerated}
	err := sm.Walk(context.Background(), file, []models.FileState{
		models.FileStatePreviewGenerated,
		models.FileStateStoredFinal,
		models.FileStateAvailable,
	}, models.ActorWorker, nil)
	require.NoError(t, err)
	require.Equal(t, models.FileStateAvailable, file.CurrentState)
	require.Len(t, store.logs, 3)
}

func TestTransitionTableCoversAllStates(t *testing.T) {
	states := []models.FileState{
		models.FileStateCreated, models.FileStateUploading, models.FileStateValidated,
		models.FileStateTempStored, models.FileStateMetadataRegistered, models.FileStateQueued,
		models.FileStateProcessing, models.FileStateOutputGenerated, models.FileStatePreviewGenerated,
		models.FileStateStoredFinal, models.FileStateAvailable, models.FileStateExpired,
		models.FileStateDeleted, models.FileStateFailed,
	}
	for _, state := range states {
		_, ok := models.ValidFileTransitions[state]
		require.True(t, ok, "missing transition entry for %s", state)
	}
	require.Empty(t, models.ValidFileTransitions[models.FileStateDeleted])
	require.True(t, models.CanTransition(models.FileStateFailed, models.FileStateQueued))
	require.False(t, models.CanTransition(models.FileStateAvailable, models.FileStateProcessing))
	// The plain-upload publish edge and the reprocessing edge.
	require.True(t, models.CanTransition(models.FileStateMetadataRegistered, models.FileStateAvailable))
	require.True(t, models.CanTransition(models.FileStateAvailable, models.FileStateQueued))
}
