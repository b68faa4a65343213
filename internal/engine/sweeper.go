package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	cronlib "github.com/robfig/cron/v3"

	"github.com/amplifier/amplifier-go-backend/internal/events"
	"github.com/amplifier/amplifier-go-backend/internal/store"
)

// staleAfter is how long a task may stay running before it is forced out.
func (e *Engine) staleAfter() time.Duration {
	return e.cfg.SessionBudget + e.cfg.StaleGrace
}

// IsStale reports whether t is still running well past its session budget.
func (e *Engine) IsStale(t store.Task) bool {
	if t.Status != store.TaskStatusRunning || !t.StartedAt.Valid {
		return false
	}
	return e.now().Sub(t.StartedAt.Time) > e.staleAfter()
}

// TimeOutTask marks t as timedOut and stops its session if one is live here.
// It returns false when the task was already terminal.
func (e *Engine) TimeOutTask(ctx context.Context, t store.Task) (bool, error) {
	progress := LoadProgress(t.Progress)
	raw, _ := json.Marshal(progress)
	result, _ := json.Marshal(sessionResult{
		StopReason: "stale",
		Mode:       modeOf(t),
		Actions:    progress.ActionCount,
		Iterations: int(t.Iterations),
	})
	summary := fmt.Sprintf("Timed out: the task was still running %s after it started, past its time budget.",
		e.staleAfter().Round(time.Second))

	_, err := e.store.FinishTask(ctx, store.FinishTaskParams{
		ID:       t.ID,
		Status:   store.TaskStatusTimedOut,
		Progress: raw,
		Result:   result,
		Summary:  pgtype.Text{String: summary, Valid: true},
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("engine: time out task %s: %w", t.ID, err)
	}

	e.cancels.RequestCancel(t.ID)
	e.metrics.StaleTimedOut(1)
	e.events.Publish(ctx, events.Event{
		Type:      events.TaskTimedOut,
		TaskID:    t.ID,
		Timestamp: e.now().UTC(),
		Message:   summary,
		Data:      map[string]any{"status": string(store.TaskStatusTimedOut)},
	})
	slog.Warn("engine: stale task timed out", slog.String("task_id", t.ID.String()))
	return true, nil
}

// SweepStale times out every running task past budget plus grace and returns
// how many were changed.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	tasks, err := e.store.ListStaleRunningTasks(ctx, e.now().Add(-e.staleAfter()))
	if err != nil {
		return 0, fmt.Errorf("engine: list stale tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		changed, err := e.TimeOutTask(ctx, t)
		if err != nil {
			slog.Error("engine: sweep task", slog.String("task_id", t.ID.String()), slog.String("error", err.Error()))
			continue
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func modeOf(t store.Task) string {
	if len(t.Plan) > 0 {
		return ModeGuided
	}
	return ModeDynamic
}

// Sweeper runs SweepStale on a fixed schedule.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	cron     *cronlib.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a Sweeper that fires every cfg.SweepInterval.
func NewSweeper(e *Engine) *Sweeper {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:   e,
		interval: interval,
		cron:     cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger))),
	}
}

// Start sweeps once, then schedules further sweeps until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.sweep); err != nil {
		return fmt.Errorf("engine: schedule sweeper: %w", err)
	}
	s.sweep()
	s.cron.Start()
	slog.Info("engine: sweeper started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts the schedule and waits for a sweep in progress.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	slog.Info("engine: sweeper stopped")
}

func (s *Sweeper) sweep() {
	n, err := s.engine.SweepStale(s.ctx)
	if err != nil {
		slog.Error("engine: sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.Info("engine: sweep timed out tasks", slog.Int("count", n))
	}
}
