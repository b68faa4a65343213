package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/amplifier/amplifier-go-backend/internal/store"
)

// CheckpointStore is the slice of the task store the checkpoint manager needs.
type CheckpointStore interface {
	SaveTaskCheckpoint(ctx context.Context, arg store.SaveTaskCheckpointParams) error
	GetTaskCheckpoint(ctx context.Context, id uuid.UUID) ([]byte, error)
}

// CheckpointManager persists resumable snapshots into the task record.
// Saves overwrite; the last write wins.
type CheckpointManager struct {
	store CheckpointStore
}

// NewCheckpointManager creates a CheckpointManager.
func NewCheckpointManager(s CheckpointStore) *CheckpointManager {
	return &CheckpointManager{store: s}
}

// Save writes snap as the task's checkpoint.
func (m *CheckpointManager) Save(ctx context.Context, taskID uuid.UUID, snap *Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("engine: marshal checkpoint: %w", err)
	}
	if err := m.store.SaveTaskCheckpoint(ctx, store.SaveTaskCheckpointParams{ID: taskID, Checkpoint: raw}); err != nil {
		return fmt.Errorf("engine: save checkpoint: %w", err)
	}
	return nil
}

// Load returns the task's checkpoint, or nil when none has been written.
func (m *CheckpointManager) Load(ctx context.Context, taskID uuid.UUID) (*Snapshot, error) {
	raw, err := m.store.GetTaskCheckpoint(ctx, taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("engine: load checkpoint: %w", err)
	}
	return DecodeSnapshot(raw)
}

// DecodeSnapshot parses a stored checkpoint column. Null or empty input
// yields nil.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("engine: decode checkpoint: %w", err)
	}
	if len(snap.Conversation) == 0 {
		return nil, fmt.Errorf("engine: checkpoint has no conversation")
	}
	return &snap, nil
}
