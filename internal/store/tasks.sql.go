package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const taskColumns = `id, owner_id, firm_id, goal, plan, status, progress, checkpoint, iterations, max_iterations,
	started_at, completed_at, result, summary, error, rating, created_at, updated_at`

const taskColumnsWithoutCheckpoint = `id, owner_id, firm_id, goal, plan, status, progress, NULL::bytea, iterations,
	max_iterations, started_at, completed_at, result, summary, error, rating, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var i Task
	err := row.Scan(
		&i.ID,
		&i.OwnerID,
		&i.FirmID,
		&i.Goal,
		&i.Plan,
		&i.Status,
		&i.Progress,
		&i.Checkpoint,
		&i.Iterations,
		&i.MaxIterations,
		&i.StartedAt,
		&i.CompletedAt,
		&i.Result,
		&i.Summary,
		&i.Error,
		&i.Rating,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var items []Task
	for rows.Next() {
		i, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createTask = `-- name: CreateTask :one
INSERT INTO tasks (owner_id, firm_id, goal, plan, status, progress, max_iterations, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + taskColumns

type CreateTaskParams struct {
	OwnerID       string             `json:"owner_id"`
	FirmID        string             `json:"firm_id"`
	Goal          string             `json:"goal"`
	Plan          []string           `json:"plan"`
	Status        TaskStatus         `json:"status"`
	Progress      json.RawMessage    `json:"progress"`
	MaxIterations int32              `json:"max_iterations"`
	StartedAt     pgtype.Timestamptz `json:"started_at"`
}

func (q *Queries) CreateTask(ctx context.Context, arg CreateTaskParams) (Task, error) {
	plan := arg.Plan
	if plan == nil {
		plan = []string{}
	}
	progress := arg.Progress
	if len(progress) == 0 {
		progress = json.RawMessage(`{}`)
	}
	row := q.db.QueryRow(ctx, createTask,
		arg.OwnerID,
		arg.FirmID,
		arg.Goal,
		plan,
		arg.Status,
		progress,
		arg.MaxIterations,
		arg.StartedAt,
	)
	return scanTask(row)
}

const getTask = `-- name: GetTask :one
SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

func (q *Queries) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTask, id))
}

const getRunningTaskByOwner = `-- name: GetRunningTaskByOwner :one
SELECT ` + taskColumns + ` FROM tasks
WHERE owner_id = $1 AND status = 'running'
ORDER BY started_at DESC
LIMIT 1`

func (q *Queries) GetRunningTaskByOwner(ctx context.Context, ownerID string) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getRunningTaskByOwner, ownerID))
}

const listTasksByOwner = `-- name: ListTasksByOwner :many
SELECT ` + taskColumns + ` FROM tasks
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2`

type ListTasksByOwnerParams struct {
	OwnerID string `json:"owner_id"`
	Limit   int32  `json:"limit"`
}

func (q *Queries) ListTasksByOwner(ctx context.Context, arg ListTasksByOwnerParams) ([]Task, error) {
	rows, err := q.db.Query(ctx, listTasksByOwner, arg.OwnerID, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// listRunningTasks leaves the checkpoint column NULL; checkpoints can be
// large and are fetched per task with GetTaskCheckpoint.
const listRunningTasks = `-- name: ListRunningTasks :many
SELECT ` + taskColumnsWithoutCheckpoint + ` FROM tasks
WHERE status = 'running'
ORDER BY started_at ASC`

func (q *Queries) ListRunningTasks(ctx context.Context) ([]Task, error) {
	rows, err := q.db.Query(ctx, listRunningTasks)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const listStaleRunningTasks = `-- name: ListStaleRunningTasks :many
SELECT ` + taskColumns + ` FROM tasks
WHERE status = 'running' AND started_at < $1
ORDER BY started_at ASC`

func (q *Queries) ListStaleRunningTasks(ctx context.Context, startedBefore time.Time) ([]Task, error) {
	rows, err := q.db.Query(ctx, listStaleRunningTasks, startedBefore)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

const updateTaskProgress = `-- name: UpdateTaskProgress :exec
UPDATE tasks
SET progress = $2, iterations = $3, updated_at = now()
WHERE id = $1 AND status = 'running'`

type UpdateTaskProgressParams struct {
	ID         uuid.UUID       `json:"id"`
	Progress   json.RawMessage `json:"progress"`
	Iterations int32           `json:"iterations"`
}

func (q *Queries) UpdateTaskProgress(ctx context.Context, arg UpdateTaskProgressParams) error {
	_, err := q.db.Exec(ctx, updateTaskProgress, arg.ID, arg.Progress, arg.Iterations)
	return err
}

const saveTaskCheckpoint = `-- name: SaveTaskCheckpoint :exec
UPDATE tasks
SET checkpoint = $2, updated_at = now()
WHERE id = $1 AND status = 'running'`

type SaveTaskCheckpointParams struct {
	ID         uuid.UUID `json:"id"`
	Checkpoint []byte    `json:"checkpoint"`
}

func (q *Queries) SaveTaskCheckpoint(ctx context.Context, arg SaveTaskCheckpointParams) error {
	_, err := q.db.Exec(ctx, saveTaskCheckpoint, arg.ID, arg.Checkpoint)
	return err
}

const getTaskCheckpoint = `-- name: GetTaskCheckpoint :one
SELECT checkpoint FROM tasks WHERE id = $1`

func (q *Queries) GetTaskCheckpoint(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var checkpoint []byte
	err := q.db.QueryRow(ctx, getTaskCheckpoint, id).Scan(&checkpoint)
	return checkpoint, err
}

const finishTask = `-- name: FinishTask :one
UPDATE tasks
SET status = $2, progress = $3, result = $4, summary = $5, error = $6,
    completed_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('queued', 'running')
RETURNING ` + taskColumns

type FinishTaskParams struct {
	ID       uuid.UUID       `json:"id"`
	Status   TaskStatus      `json:"status"`
	Progress json.RawMessage `json:"progress"`
	Result   []byte          `json:"result"`
	Summary  pgtype.Text     `json:"summary"`
	Error    pgtype.Text     `json:"error"`
}

// FinishTask returns pgx.ErrNoRows when the task already reached a terminal status.
func (q *Queries) FinishTask(ctx context.Context, arg FinishTaskParams) (Task, error) {
	row := q.db.QueryRow(ctx, finishTask,
		arg.ID,
		arg.Status,
		arg.Progress,
		arg.Result,
		arg.Summary,
		arg.Error,
	)
	return scanTask(row)
}

const rateTask = `-- name: RateTask :one
UPDATE tasks
SET rating = $2, updated_at = now()
WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled', 'timedOut')
RETURNING ` + taskColumns

type RateTaskParams struct {
	ID     uuid.UUID `json:"id"`
	Rating int32     `json:"rating"`
}

func (q *Queries) RateTask(ctx context.Context, arg RateTaskParams) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, rateTask, arg.ID, arg.Rating))
}
