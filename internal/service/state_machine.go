package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

type transitionStore interface {
	Transition(ctx context.Context, log *models.StateLog) error
	ListStateLogs(ctx context.Context, fileID string) ([]models.StateLog, error)
}

// StateMachine enforces the file lifecycle transition table and records an
// immutable log row for every move.
type StateMachine struct {
	files  transitionStore
	logger *zap.Logger
}

// NewStateMachine constructs the state machine.
func NewStateMachine(files transitionStore, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{files: files, logger: logger}
}

// Transition moves a file from its current state to target. The transition
// table is checked first; the repository then compare-and-swaps the row so a
// concurrent mover loses cleanly. The in-memory file is updated on success.
func (s *StateMachine) Transition(ctx context.Context, file *models.FileAsset, target models.FileState, actor models.ActorKind, actorID *string, meta models.Metadata) error {
	if file.CurrentState.IsTerminal() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "file is deleted")
	}
	if !models.CanTransition(file.CurrentState, target) {
		s.logger.Warn("illegal file transition",
			zap.String("file_id", file.ID),
			zap.String("from", string(file.CurrentState)),
			zap.String("to", string(target)))
		return appErrors.Clone(appErrors.ErrInvalidTransition,
			"cannot transition from "+string(file.CurrentState)+" to "+string(target))
	}

	log := &models.StateLog{
		FileID:    file.ID,
		FromState: file.CurrentState,
		ToState:   target,
		ActorKind: actor,
		ActorID:   actorID,
		Metadata:  meta,
	}
	if err := s.files.Transition(ctx, log); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return appErrors.Clone(appErrors.ErrConflict, "file state changed concurrently")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record transition")
	}

	file.CurrentState = target
	file.UpdatedAt = log.Timestamp
	return nil
}

// Walk applies a sequence of transitions in order, stopping at the first
// failure. Used by the worker to drive the output path.
func (s *StateMachine) Walk(ctx context.Context, file *models.FileAsset, targets []models.FileState, actor models.ActorKind, actorID *string) error {
	for _, target := range targets {
		if err := s.Transition(ctx, file, target, actor, actorID, nil); err != nil {
			return err
		}
	}
	return nil
}

// History returns the full transition log of a file in order.
func (s *StateMachine) History(ctx context.Context, fileID string) ([]models.StateLog, error) {
	logs, err := s.files.ListStateLogs(ctx, fileID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load state history")
	}
	return logs, nil
}
