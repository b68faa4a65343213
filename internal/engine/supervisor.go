package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// resumeConcurrency bounds concurrent checkpoint reads during boot.
const resumeConcurrency = 8

// ResumeReport says what a resume pass did.
type ResumeReport struct {
	Resumed int
	Skipped int
	Failed  int
}

// Supervisor restarts sessions for tasks left running by a previous process.
type Supervisor struct {
	engine *Engine
}

// NewSupervisor creates a Supervisor for e.
func NewSupervisor(e *Engine) *Supervisor {
	return &Supervisor{engine: e}
}

// Resume loads every running task and restarts it from its checkpoint.
// Tasks without a usable checkpoint are left running for an operator; one
// bad task never stops the others.
func (s *Supervisor) Resume(ctx context.Context) (ResumeReport, error) {
	e := s.engine
	tasks, err := e.store.ListRunningTasks(ctx)
	if err != nil {
		return ResumeReport{}, fmt.Errorf("engine: list running tasks: %w", err)
	}
	slog.Info("engine: resuming tasks", slog.Int("count", len(tasks)))

	snaps := make([]*Snapshot, len(tasks))
	loadErrs := make([]error, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for i, t := range tasks {
		g.Go(func() error {
			snaps[i], loadErrs[i] = e.checkpoints.Load(gctx, t.ID)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return ResumeReport{}, fmt.Errorf("engine: load checkpoints: %w", err)
	}

	var report ResumeReport
	for i, t := range tasks {
		log := slog.With(slog.String("task_id", t.ID.String()))
		switch {
		case loadErrs[i] != nil:
			log.Error("engine: unreadable checkpoint, task left running", slog.String("error", loadErrs[i].Error()))
			report.Skipped++
		case snaps[i] == nil:
			log.Warn("engine: running task has no checkpoint, task left running")
			report.Skipped++
		default:
			if err := e.ResumeTask(t, snaps[i]); err != nil {
				log.Error("engine: resume task failed", slog.String("error", err.Error()))
				report.Failed++
				continue
			}
			report.Resumed++
		}
	}

	slog.Info("engine: resume complete",
		slog.Int("resumed", report.Resumed),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}
