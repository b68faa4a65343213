// Package store provides the task record store: sqlc-style queries over pgx
// plus the few multi-statement operations that need a transaction.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrOwnerBusy is returned by CreateTaskForOwner when the owner already has a
// running task.
var ErrOwnerBusy = errors.New("store: owner already has a running task")

// Store wraps Queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	// If the pool cannot begin (e.g. it is already a tx) run fn directly.
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTaskForOwner inserts a task unless the owner already has one running.
// The check and the insert share a read-committed transaction, so two
// concurrent creates can still both succeed; that race is tolerated.
func (s *Store) CreateTaskForOwner(ctx context.Context, arg CreateTaskParams) (Task, error) {
	var task Task
	err := s.Tx(ctx, func(q *Queries) error {
		existing, err := q.GetRunningTaskByOwner(ctx, arg.OwnerID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrOwnerBusy, existing.ID)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check running task: %w", err)
		}
		task, err = q.CreateTask(ctx, arg)
		return err
	})
	return task, err
}

// TaskStore is the full set of task record operations. Used for dependency
// injection and testing.
type TaskStore interface {
	CreateTaskForOwner(ctx context.Context, arg CreateTaskParams) (Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	GetRunningTaskByOwner(ctx context.Context, ownerID string) (Task, error)
	ListTasksByOwner(ctx context.Context, arg ListTasksByOwnerParams) ([]Task, error)
	FinishTask(ctx context.Context, arg FinishTaskParams) (Task, error)
	RateTask(ctx context.Context, arg RateTaskParams) (Task, error)
}

var _ TaskStore = (*Store)(nil)
