// Package engine runs autonomous task sessions. Each running task gets one
// goroutine (a session runner) that prompts the language model, dispatches
// the capability it proposes, records the outcome and checkpoints, until the
// task is cancelled, runs out of time, finishes its plan or fails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/amplifier/amplifier-go-backend/internal/capability"
	"github.com/amplifier/amplifier-go-backend/internal/engine/strategy"
	"github.com/amplifier/amplifier-go-backend/internal/events"
	"github.com/amplifier/amplifier-go-backend/internal/llm"
	"github.com/amplifier/amplifier-go-backend/internal/metrics"
	"github.com/amplifier/amplifier-go-backend/internal/store"
	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

// Errors returned by the engine.
var (
	ErrTaskNotFound   = errors.New("engine: task not found")
	ErrAlreadyRunning = errors.New("engine: session already running for task")
	ErrNotRunning     = errors.New("engine: task is not in running status")
	ErrStopped        = errors.New("engine: engine is stopped")
)

var tracer = otel.Tracer("github.com/amplifier/amplifier-go-backend/internal/engine")

// --- Dependency interfaces for testability ---

// EngineStore defines the database operations needed by the engine.
type EngineStore interface {
	CheckpointStore
	GetTask(ctx context.Context, id uuid.UUID) (store.Task, error)
	ListRunningTasks(ctx context.Context) ([]store.Task, error)
	ListStaleRunningTasks(ctx context.Context, startedBefore time.Time) ([]store.Task, error)
	UpdateTaskProgress(ctx context.Context, arg store.UpdateTaskProgressParams) error
	FinishTask(ctx context.Context, arg store.FinishTaskParams) (store.Task, error)
}

// Gateway abstracts the language model for the engine.
type Gateway interface {
	Complete(ctx context.Context, messages []llm.Message, capabilities []llm.ToolDefinition) (*llm.Completion, error)
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Strategy strategy.Strategy
	Events   events.Publisher
	Metrics  *metrics.Collector
}

// Engine owns every session running in this process.
type Engine struct {
	store       EngineStore
	gateway     Gateway
	registry    capability.Registry
	checkpoints *CheckpointManager
	cancels     *CancelRegistry
	strategy    strategy.Strategy
	events      events.Publisher
	metrics     *metrics.Collector
	cfg         config.EngineConfig
	limiter     *rate.Limiter
	now         func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewEngine creates a new Engine.
func NewEngine(
	st EngineStore,
	gw Gateway,
	registry capability.Registry,
	cfg config.EngineConfig,
	opts Options,
) *Engine {
	if opts.Strategy == nil {
		opts.Strategy = strategy.Keyword{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	limit := rate.Inf
	burst := 1
	if cfg.GatewayRPS > 0 {
		limit = rate.Limit(cfg.GatewayRPS)
		if b := int(cfg.GatewayRPS); b > burst {
			burst = b
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       st,
		gateway:     gw,
		registry:    registry,
		checkpoints: NewCheckpointManager(st),
		cancels:     NewCancelRegistry(),
		strategy:    opts.Strategy,
		events:      opts.Events,
		metrics:     opts.Metrics,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, burst),
		now:         time.Now,
		baseCtx:     ctx,
		stop:        cancel,
	}
}

// Config returns the engine settings.
func (e *Engine) Config() config.EngineConfig { return e.cfg }

// StartTask launches a fresh session for a task already stored as running.
func (e *Engine) StartTask(task store.Task) error {
	return e.launch(task, nil)
}

// ResumeTask launches a session for task seeded from snap.
func (e *Engine) ResumeTask(task store.Task, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("engine: resume %s: no checkpoint", task.ID)
	}
	return e.launch(task, snap)
}

func (e *Engine) launch(task store.Task, snap *Snapshot) error {
	if task.Status != store.TaskStatusRunning {
		return ErrNotRunning
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	tok, ok := e.cancels.Register(task.ID)
	if !ok {
		return ErrAlreadyRunning
	}

	r := newRunner(e, task, tok, snap)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.cancels.Release(task.ID, tok)
		r.run(e.baseCtx)
	}()

	slog.Info("engine: session started",
		slog.String("task_id", task.ID.String()),
		slog.String("mode", r.mode),
		slog.Bool("resumed", snap != nil),
	)
	return nil
}

// RequestCancel asks the session for taskID to stop at its next iteration.
// It returns false when no live session exists in this process, which
// callers treat as "already terminal".
func (e *Engine) RequestCancel(taskID uuid.UUID) bool {
	found := e.cancels.RequestCancel(taskID)
	slog.Info("engine: cancel requested",
		slog.String("task_id", taskID.String()),
		slog.Bool("live", found),
	)
	return found
}

// RunningCount returns the number of live sessions.
func (e *Engine) RunningCount() int {
	return e.cancels.Len()
}

// Stop halts every session at its next iteration boundary without giving it
// a terminal status, so the Supervisor resumes it on the next boot. It waits
// for sessions to exit or for ctx to end.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	slog.Info("engine: stopping sessions", slog.Int("count", e.RunningCount()))
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("engine: all sessions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: stop: %w", ctx.Err())
	}
}

// Wait blocks until every session has exited. Used by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}
