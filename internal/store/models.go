package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimedOut  TaskStatus = "timedOut"
)

func (e *TaskStatus) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = TaskStatus(s)
	case string:
		*e = TaskStatus(s)
	default:
		return fmt.Errorf("unsupported scan type for TaskStatus: %T", src)
	}
	return nil
}

func (e TaskStatus) Value() (driver.Value, error) {
	return string(e), nil
}

// Terminal reports whether no further session mutation may happen.
func (e TaskStatus) Terminal() bool {
	switch e {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

func (e TaskStatus) Valid() bool {
	return e == TaskStatusQueued || e == TaskStatusRunning || e.Terminal()
}

type Task struct {
	ID            uuid.UUID          `json:"id"`
	OwnerID       string             `json:"owner_id"`
	FirmID        string             `json:"firm_id"`
	Goal          string             `json:"goal"`
	Plan          []string           `json:"plan"`
	Status        TaskStatus         `json:"status"`
	Progress      json.RawMessage    `json:"progress"`
	Checkpoint    []byte             `json:"checkpoint"`
	Iterations    int32              `json:"iterations"`
	MaxIterations int32              `json:"max_iterations"`
	StartedAt     pgtype.Timestamptz `json:"started_at"`
	CompletedAt   pgtype.Timestamptz `json:"completed_at"`
	Result        []byte             `json:"result"`
	Summary       pgtype.Text        `json:"summary"`
	Error         pgtype.Text        `json:"error"`
	Rating        pgtype.Int4        `json:"rating"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
