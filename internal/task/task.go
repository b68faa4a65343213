// Package task is the control surface over autonomous tasks: create, read,
// list, cancel, rate and poll the owner's active task.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/amplifier/amplifier-go-backend/internal/engine"
	"github.com/amplifier/amplifier-go-backend/internal/store"
	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

// Errors returned by the task service.
var (
	ErrNotFound       = errors.New("task: not found")
	ErrForbidden      = errors.New("task: forbidden")
	ErrValidation     = errors.New("task: validation error")
	ErrAlreadyRunning = errors.New("task: owner already has a running task")
	ErrNotTerminal    = errors.New("task: task has not finished")
)

// Iteration ceiling bounds for a per-task override.
const (
	MinIterations = 1
	MaxIterations = 1000
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Caller is the authenticated owner a request acts for.
type Caller struct {
	OwnerID string
	FirmID  string
}

// CreateRequest is the input for starting a task.
type CreateRequest struct {
	Goal          string   `json:"goal" validate:"required,max=4000"`
	Plan          []string `json:"plan,omitempty" validate:"max=50,dive,required,max=1000"`
	MaxIterations *int     `json:"max_iterations,omitempty" validate:"omitempty,min=1,max=1000"`
}

// RateRequest is the input for rating a finished task.
type RateRequest struct {
	Rating int `json:"rating" validate:"required,min=1,max=5"`
}

// TaskResponse is the API-facing representation of a task.
type TaskResponse struct {
	ID               uuid.UUID       `json:"id"`
	Goal             string          `json:"goal"`
	Plan             []string        `json:"plan"`
	Mode             string          `json:"mode"`
	Status           string          `json:"status"`
	Progress         engine.Progress `json:"progress"`
	ProgressPercent  int             `json:"progress_percent"`
	CurrentStepLabel string          `json:"current_step_label"`
	Iterations       int32           `json:"iterations"`
	MaxIterations    int32           `json:"max_iterations"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds  float64         `json:"duration_seconds"`
	Summary          string          `json:"summary,omitempty"`
	Error            string          `json:"error,omitempty"`
	Rating           *int32          `json:"rating,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CancelResponse reports what a cancel request found.
type CancelResponse struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	Requested bool      `json:"requested"`
}

// Runner is the part of the engine the service drives.
type Runner interface {
	Config() config.EngineConfig
	StartTask(task store.Task) error
	RequestCancel(taskID uuid.UUID) bool
	IsStale(t store.Task) bool
	TimeOutTask(ctx context.Context, t store.Task) (bool, error)
}

// Service implements the task operations.
type Service struct {
	store  store.TaskStore
	runner Runner
	now    func() time.Time
}

// NewService creates a new task service.
func NewService(s store.TaskStore, r Runner) *Service {
	return &Service{store: s, runner: r, now: time.Now}
}

// Create stores a running task for the caller and starts its session. It
// fails with ErrAlreadyRunning if the caller already has a running task.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (*TaskResponse, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	for i := range req.Plan {
		req.Plan[i] = strings.TrimSpace(req.Plan[i])
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	maxIter := s.runner.Config().MaxIterations
	if req.MaxIterations != nil {
		maxIter = *req.MaxIterations
	}
	if maxIter < MinIterations {
		maxIter = MinIterations
	}
	if maxIter > MaxIterations {
		maxIter = MaxIterations
	}

	plan := req.Plan
	if plan == nil {
		plan = []string{}
	}
	initial, _ := json.Marshal(initialProgress(plan))

	created, err := s.store.CreateTaskForOwner(ctx, store.CreateTaskParams{
		OwnerID:       caller.OwnerID,
		FirmID:        caller.FirmID,
		Goal:          req.Goal,
		Plan:          plan,
		Status:        store.TaskStatusRunning,
		Progress:      initial,
		MaxIterations: int32(maxIter),
		StartedAt:     pgtype.Timestamptz{Time: s.now().UTC(), Valid: true},
	})
	if err != nil {
		if errors.Is(err, store.ErrOwnerBusy) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("task: create: %w", err)
	}

	if err := s.runner.StartTask(created); err != nil {
		s.abandon(ctx, created, err)
		return nil, fmt.Errorf("task: start session: %w", err)
	}

	slog.Info("task: created",
		slog.String("task_id", created.ID.String()),
		slog.String("owner_id", caller.OwnerID),
		slog.Int("plan_steps", len(plan)),
	)
	resp := toResponse(created, s.now())
	return &resp, nil
}

// abandon marks a task whose session never started as failed.
func (s *Service) abandon(ctx context.Context, t store.Task, cause error) {
	_, err := s.store.FinishTask(context.WithoutCancel(ctx), store.FinishTaskParams{
		ID:       t.ID,
		Status:   store.TaskStatusFailed,
		Progress: t.Progress,
		Summary:  pgtype.Text{String: "The task could not be started.", Valid: true},
		Error:    pgtype.Text{String: cause.Error(), Valid: true},
	})
	if err != nil {
		slog.Error("task: mark unstarted task failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns one of the caller's tasks.
func (s *Service) Get(ctx context.Context, caller Caller, id uuid.UUID) (*TaskResponse, error) {
	t, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	resp := toResponse(t, s.now())
	return &resp, nil
}

// List returns the caller's most recent tasks, newest first.
func (s *Service) List(ctx context.Context, caller Caller, limit int) ([]TaskResponse, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	tasks, err := s.store.ListTasksByOwner(ctx, store.ListTasksByOwnerParams{
		OwnerID: caller.OwnerID,
		Limit:   int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	now := s.now()
	out := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toResponse(t, now)
	}
	return out, nil
}

// Cancel asks the task's session to stop and returns at once. A task that is
// already terminal is reported as such, not as an error. A running task with
// no live session in this process is finished directly.
func (s *Service) Cancel(ctx context.Context, caller Caller, id uuid.UUID) (*CancelResponse, error) {
	t, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return &CancelResponse{ID: id, Status: string(t.Status)}, nil
	}

	if s.runner.RequestCancel(id) {
		return &CancelResponse{ID: id, Status: string(t.Status), Requested: true}, nil
	}

	progress := engine.LoadProgress(t.Progress)
	finished, err := s.store.FinishTask(ctx, store.FinishTaskParams{
		ID:       id,
		Status:   store.TaskStatusCancelled,
		Progress: t.Progress,
		Summary:  pgtype.Text{String: fmt.Sprintf("Cancelled after %d actions.", progress.ActionCount), Valid: true},
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gerr := s.store.GetTask(ctx, id)
			if gerr != nil {
				return nil, fmt.Errorf("task: reload after cancel: %w", gerr)
			}
			return &CancelResponse{ID: id, Status: string(current.Status)}, nil
		}
		return nil, fmt.Errorf("task: cancel: %w", err)
	}
	slog.Info("task: cancelled task without live session", slog.String("task_id", id.String()))
	return &CancelResponse{ID: id, Status: string(finished.Status), Requested: true}, nil
}

// Rate stores a 1-5 rating on a finished task.
func (s *Service) Rate(ctx context.Context, caller Caller, id uuid.UUID, req RateRequest) (*TaskResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	t, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotTerminal, t.Status)
	}

	rated, err := s.store.RateTask(ctx, store.RateTaskParams{ID: id, Rating: int32(req.Rating)})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotTerminal
		}
		return nil, fmt.Errorf("task: rate: %w", err)
	}
	resp := toResponse(rated, s.now())
	return &resp, nil
}

// PollActive returns the caller's running task, or nil if there is none. A
// task still running well past its session budget is forced to timedOut
// and not returned.
func (s *Service) PollActive(ctx context.Context, caller Caller) (*TaskResponse, error) {
	t, err := s.store.GetRunningTaskByOwner(ctx, caller.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: poll active: %w", err)
	}

	if s.runner.IsStale(t) {
		if _, err := s.runner.TimeOutTask(ctx, t); err != nil {
			return nil, fmt.Errorf("task: time out stale task: %w", err)
		}
		return nil, nil
	}
	resp := toResponse(t, s.now())
	return &resp, nil
}

func (s *Service) owned(ctx context.Context, caller Caller, id uuid.UUID) (store.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Task{}, ErrNotFound
		}
		return store.Task{}, fmt.Errorf("task: get: %w", err)
	}
	if t.OwnerID != caller.OwnerID {
		return store.Task{}, ErrForbidden
	}
	return t, nil
}

// --- helpers ---

func initialProgress(plan []string) engine.Progress {
	label := "Starting"
	if len(plan) > 0 {
		label = plan[0]
	}
	return engine.Progress{
		Phase:            "discovery",
		RecentActions:    []string{},
		CurrentStepLabel: label,
	}
}

func toResponse(t store.Task, now time.Time) TaskResponse {
	progress := engine.LoadProgress(t.Progress)
	plan := t.Plan
	if plan == nil {
		plan = []string{}
	}
	resp := TaskResponse{
		ID:               t.ID,
		Goal:             t.Goal,
		Plan:             plan,
		Mode:             engine.ModeDynamic,
		Status:           string(t.Status),
		Progress:         progress,
		ProgressPercent:  progress.ProgressPercent,
		CurrentStepLabel: progress.CurrentStepLabel,
		Iterations:       t.Iterations,
		MaxIterations:    t.MaxIterations,
		Summary:          t.Summary.String,
		Error:            t.Error.String,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if len(plan) > 0 {
		resp.Mode = engine.ModeGuided
	}
	if len(t.Result) > 0 {
		resp.Result = json.RawMessage(t.Result)
	}
	if t.Rating.Valid {
		r := t.Rating.Int32
		resp.Rating = &r
	}
	if t.StartedAt.Valid {
		started := t.StartedAt.Time
		resp.StartedAt = &started
		end := now
		if t.CompletedAt.Valid {
			completed := t.CompletedAt.Time
			resp.CompletedAt = &completed
			end = completed
		}
		if d := end.Sub(started); d > 0 {
			resp.DurationSeconds = d.Round(time.Second).Seconds()
		}
	}
	return resp
}

// validateStruct runs the struct tags and flattens failures into one
// ErrValidation.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind().String() == "slice" {
			return fmt.Sprintf("%s must have at most %s items", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
