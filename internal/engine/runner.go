package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/amplifier/amplifier-go-backend/internal/capability"
	"github.com/amplifier/amplifier-go-backend/internal/engine/strategy"
	"github.com/amplifier/amplifier-go-backend/internal/events"
	"github.com/amplifier/amplifier-go-backend/internal/llm"
	"github.com/amplifier/amplifier-go-backend/internal/store"
)

// Session modes.
const (
	ModeDynamic = "dynamic"
	ModeGuided  = "guided"
)

type stopReason int

const (
	stopCancelled stopReason = iota
	stopBudget
	stopPlanDone
	stopCeiling
	stopFatal
)

func (s stopReason) String() string {
	switch s {
	case stopCancelled:
		return "cancelled"
	case stopBudget:
		return "budget"
	case stopPlanDone:
		return "plan_done"
	case stopCeiling:
		return "iteration_limit"
	default:
		return "fatal"
	}
}

// finishTimeout bounds the terminal write, which runs even while the
// process context is being cancelled.
const finishTimeout = 10 * time.Second

// runner drives one task from running to a terminal status.
type runner struct {
	e     *Engine
	task  store.Task
	token *CancelToken
	log   *slog.Logger

	mode          string
	plan          []string
	actor         capability.Actor
	focus         strategy.Focus
	maxIterations int

	conv     *Conversation
	position int
	acc      AccumulatedContext
	resumed  bool

	startedAt    time.Time
	priorElapsed time.Duration
	deadline     time.Time

	stalls          int
	gatewayFailures int
	pendingReply    bool
	justReset       bool
	lastResult      string
	capabilities    []llm.ToolDefinition

	pacer   *rate.Limiter
	backoff *backoff.ExponentialBackOff
}

func newRunner(e *Engine, task store.Task, tok *CancelToken, snap *Snapshot) *runner {
	cfg := e.cfg
	r := &runner{
		e:             e,
		task:          task,
		token:         tok,
		log:           slog.With(slog.String("task_id", task.ID.String())),
		plan:          task.Plan,
		actor:         capability.Actor{OwnerID: task.OwnerID, FirmID: task.FirmID},
		focus:         strategy.Classify(task.Goal),
		maxIterations: int(task.MaxIterations),
		mode:          ModeDynamic,
	}
	if len(r.plan) > 0 {
		r.mode = ModeGuided
	}
	if r.maxIterations <= 0 {
		r.maxIterations = cfg.MaxIterations
	}

	if snap != nil {
		r.resumed = true
		r.conv = RestoreConversation(snap.Conversation, cfg.HistoryThreshold, cfg.HistoryKeepRecent)
		r.position = snap.Position
		r.acc = snap.Context
		r.priorElapsed = snap.Elapsed()
	} else {
		r.conv = NewConversation(strategy.Framing(task.Goal, task.Plan, cfg.SessionBudget),
			cfg.HistoryThreshold, cfg.HistoryKeepRecent)
	}
	r.acc.Phase = string(strategy.ParsePhase(r.acc.Phase))

	// The progress column is written every iteration, the checkpoint only
	// per step, so the column can be ahead.
	stored := LoadProgress(task.Progress)
	if stored.ProgressPercent > r.acc.ProgressPercent {
		r.acc.ProgressPercent = stored.ProgressPercent
	}
	if stored.PromptCount > r.acc.PromptCount {
		r.acc.PromptCount = stored.PromptCount
	}

	pause := rate.Inf
	if cfg.IterationPause > 0 {
		pause = rate.Every(cfg.IterationPause)
	}
	r.pacer = rate.NewLimiter(pause, 1)

	r.backoff = backoff.NewExponentialBackOff()
	r.backoff.InitialInterval = cfg.GatewayBackoffInitial
	r.backoff.MaxInterval = cfg.GatewayBackoffMax
	r.backoff.Multiplier = 2
	r.backoff.RandomizationFactor = 0.2
	r.backoff.Reset()
	return r
}

func (r *runner) run(ctx context.Context) {
	status := ""
	r.e.metrics.SessionStarted(r.mode, r.resumed)
	defer func() { r.e.metrics.SessionFinished(status) }()

	ctx, span := tracer.Start(ctx, "engine.session",
		trace.WithAttributes(
			attribute.String("amplifier.task.id", r.task.ID.String()),
			attribute.String("amplifier.session.mode", r.mode),
			attribute.Bool("amplifier.session.resumed", r.resumed),
		),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("engine: session panic", slog.Any("panic", p))
			span.SetStatus(codes.Error, "panic")
			status = r.finish(ctx, stopFatal, fmt.Errorf("internal error: %v", p))
		}
	}()

	// The deadline is fixed at the task's start instant; time spent while the
	// process was down counts against the budget.
	r.startedAt = r.e.now().Add(-r.priorElapsed)
	if r.task.StartedAt.Valid {
		r.startedAt = r.task.StartedAt.Time
	}
	r.deadline = r.startedAt.Add(r.e.cfg.SessionBudget)

	evType, msg := events.TaskStart, "Task started"
	if r.resumed {
		evType, msg = events.TaskResumed, fmt.Sprintf("Task resumed at position %d", r.position)
	}
	r.publish(ctx, evType, msg, map[string]any{"mode": r.mode, "position": r.position})

	status = r.loop(ctx)
	if status == string(store.TaskStatusFailed) {
		span.SetStatus(codes.Error, "session failed")
	}
}

// loop returns the terminal status written, or "" when the session stopped
// without one (process shutdown).
func (r *runner) loop(ctx context.Context) string {
	for {
		r.pace(ctx)

		if r.token.Cancelled() {
			return r.finish(ctx, stopCancelled, nil)
		}
		if ctx.Err() != nil {
			r.log.Info("engine: session suspended for shutdown", slog.Int("position", r.position))
			return ""
		}
		if reason, stop := r.stopCondition(); stop {
			return r.finish(ctx, reason, nil)
		}

		r.acc.Iterations++
		r.e.metrics.Iteration()

		if !r.pendingReply {
			r.conv.AppendInstruction(r.instruction(ctx))
			r.acc.PromptCount++
		}
		r.refreshCapabilities(ctx)

		comp, err := r.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if fatal := r.onGatewayError(err); fatal != nil {
				return r.fail(ctx, fatal)
			}
			if err := r.persistProgress(ctx); err != nil {
				return r.fail(ctx, err)
			}
			r.wait(ctx, r.nextBackoff(err))
			continue
		}
		r.gatewayFailures = 0
		r.justReset = false
		r.pendingReply = false
		r.backoff.Reset()

		if comp.ProposedCall == nil {
			if err := r.onStall(ctx, comp.Text); err != nil {
				return r.fail(ctx, err)
			}
		} else {
			recorded, err := r.act(ctx, comp)
			if err != nil {
				return r.fail(ctx, err)
			}
			if !recorded {
				continue
			}
		}

		if r.conv.Trim() {
			r.log.Debug("engine: conversation trimmed", slog.Int("messages", r.conv.Len()))
		}
		if err := r.persistProgress(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}
}

// fail finishes the task as failed, unless the process is shutting down: an
// error caused by shutdown leaves the task running for resume.
func (r *runner) fail(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		r.log.Info("engine: session suspended for shutdown", slog.String("error", err.Error()))
		return ""
	}
	return r.finish(ctx, stopFatal, err)
}

// stopCondition checks budget, plan exhaustion and the iteration ceiling.
// Cancellation is checked separately because it must win over shutdown.
func (r *runner) stopCondition() (stopReason, bool) {
	if !r.e.now().Before(r.deadline) {
		return stopBudget, true
	}
	if r.mode == ModeGuided && r.position >= len(r.plan) {
		return stopPlanDone, true
	}
	if r.acc.Iterations >= r.maxIterations {
		return stopCeiling, true
	}
	return 0, false
}

func (r *runner) instruction(ctx context.Context) string {
	req := strategy.Request{
		Goal:       r.task.Goal,
		Focus:      r.focus,
		Phase:      strategy.Phase(r.acc.Phase),
		LastResult: r.lastResult,
		Remaining:  r.deadline.Sub(r.e.now()),
		Stalls:     r.stalls,
	}
	if r.mode == ModeGuided {
		req.Step = r.plan[r.position]
		req.StepIndex = r.position
		req.StepCount = len(r.plan)
		if r.acc.StepAttempts == 0 && r.stalls == 0 {
			r.publish(ctx, events.StepStart, req.Step, map[string]any{"step": r.position})
		}
	}
	return r.e.strategy.NextInstruction(req)
}

func (r *runner) refreshCapabilities(ctx context.Context) {
	defs, err := r.e.registry.List(ctx)
	if err != nil {
		r.log.Warn("engine: list capabilities", slog.String("error", err.Error()))
		return
	}
	tools := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		tools[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	r.capabilities = tools
}

func (r *runner) complete(ctx context.Context) (*llm.Completion, error) {
	if err := r.e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := r.e.now()
	comp, err := r.e.gateway.Complete(ctx, r.conv.Messages(), r.capabilities)
	elapsed := r.e.now().Sub(start)
	switch {
	case err == nil:
		r.e.metrics.GatewayRequest("ok", elapsed, comp.Usage.PromptTokens, comp.Usage.CompletionTokens)
	case llm.IsTransient(err):
		r.e.metrics.GatewayRequest("transient", elapsed, 0, 0)
	default:
		r.e.metrics.GatewayRequest("permanent", elapsed, 0, 0)
	}
	return comp, err
}

// onGatewayError absorbs a failed model call. It returns a non-nil error
// only when the session cannot continue.
func (r *runner) onGatewayError(err error) error {
	r.pendingReply = true
	if !llm.IsTransient(err) {
		if r.justReset {
			return fmt.Errorf("language model rejected the request: %w", err)
		}
		r.log.Warn("engine: gateway rejected request, resetting conversation", slog.String("error", err.Error()))
		r.resetConversation()
		return nil
	}

	r.gatewayFailures++
	r.log.Warn("engine: gateway transient failure",
		slog.Int("consecutive", r.gatewayFailures),
		slog.String("error", err.Error()),
	)
	if r.gatewayFailures >= r.e.cfg.GatewayResetAfter {
		r.resetConversation()
	}
	return nil
}

func (r *runner) resetConversation() {
	instr := strategy.Reground(r.task.Goal, len(r.acc.Actions)) + "\n\n" + r.instruction(context.Background())
	r.conv.Reset(instr)
	r.acc.PromptCount++
	r.gatewayFailures = 0
	r.justReset = true
	r.pendingReply = true
	r.backoff.Reset()
	r.e.metrics.ContextReset()
	r.log.Info("engine: conversation reset", slog.Int("actions", len(r.acc.Actions)))
}

// nextBackoff honours a provider Retry-After up to the configured maximum.
func (r *runner) nextBackoff(err error) time.Duration {
	d := r.backoff.NextBackOff()
	if d < 0 {
		d = r.e.cfg.GatewayBackoffMax
	}
	if ra := llm.RetryAfter(err); ra > d {
		d = min(ra, r.e.cfg.GatewayBackoffMax)
	}
	return d
}

// onStall handles a model turn without a proposed call.
func (r *runner) onStall(ctx context.Context, text string) error {
	r.conv.AppendReply(text)
	r.stalls++
	r.e.metrics.Stall()
	r.lastResult = "no capability was called"

	if r.mode == ModeGuided {
		r.acc.StepAttempts++
		if r.acc.StepAttempts >= r.e.cfg.MaxStepAttempts {
			r.advanceStep(ctx, fmt.Sprintf("skipped after %d attempts without a capability call", r.acc.StepAttempts))
			return r.checkpoint(ctx)
		}
		return nil
	}

	if r.e.cfg.StallThreshold > 0 && r.stalls%r.e.cfg.StallThreshold == 0 {
		r.advancePhase(ctx, "stalled")
	}
	return nil
}

// act invokes the proposed capability and records the outcome. recorded is
// false when cancellation arrived during the model turn, in which case
// nothing is invoked, or when the process is shutting down; the call is then
// left out of the checkpoint so a resumed session repeats this position.
func (r *runner) act(ctx context.Context, comp *llm.Completion) (recorded bool, err error) {
	if r.token.Cancelled() {
		return false, nil
	}
	call := *comp.ProposedCall
	step := -1
	if r.mode == ModeGuided {
		step = r.position
	}
	r.publish(ctx, events.ToolStart, call.Name, map[string]any{"name": call.Name, "arguments": call.Arguments})

	res := r.invoke(ctx, call)
	if ctx.Err() != nil {
		return false, nil
	}

	action := Action{
		Position:  len(r.acc.Actions),
		Step:      step,
		Name:      call.Name,
		Arguments: call.Arguments,
		Success:   !res.Failed(),
		At:        r.e.now().UTC(),
	}
	var toolContent string
	if res.Failed() {
		action.Outcome = res.Error
		toolContent = "This action failed: " + res.Error
		r.publish(ctx, events.ToolError, res.Error, map[string]any{"name": call.Name})
	} else {
		action.Outcome = string(res.Data)
		toolContent = string(res.Data)
		if toolContent == "" {
			toolContent = "null"
		}
		r.publish(ctx, events.ToolEnd, call.Name, map[string]any{"name": call.Name})
	}
	if r.mode == ModeGuided {
		action.Position = r.position
	}

	r.acc.Actions = append(r.acc.Actions, action)
	r.conv.AppendCall(comp.Text, call, toolContent)
	r.lastResult = action.Summary()
	r.stalls = 0

	if r.mode == ModeGuided {
		if action.Success {
			r.advanceStep(ctx, "completed")
		} else {
			r.acc.StepAttempts++
			if r.acc.StepAttempts >= r.e.cfg.MaxStepAttempts {
				r.advanceStep(ctx, fmt.Sprintf("gave up after %d failed attempts", r.acc.StepAttempts))
			}
		}
	} else {
		r.position = len(r.acc.Actions)
		r.acc.PhaseActions++
		if r.e.cfg.PhaseActions > 0 && r.acc.PhaseActions >= r.e.cfg.PhaseActions {
			r.advancePhase(ctx, "rotation")
		}
	}
	return true, r.checkpoint(ctx)
}

// invoke calls the registry. Every failure, including a panic, comes back
// as a failed Result.
func (r *runner) invoke(ctx context.Context, call llm.ToolCall) (res capability.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("engine: capability panic", slog.String("name", call.Name), slog.Any("panic", p))
			r.e.metrics.CapabilityCall("panic")
			res = capability.Result{Error: fmt.Sprintf("capability %s crashed: %v", call.Name, p)}
		}
	}()

	res, err := r.e.registry.Invoke(ctx, call.Name, call.Arguments, r.actor)
	switch {
	case err != nil:
		r.e.metrics.CapabilityCall("unreachable")
		return capability.Result{Error: err.Error()}
	case res.Failed():
		r.e.metrics.CapabilityCall("error")
	default:
		r.e.metrics.CapabilityCall("ok")
	}
	return res
}

func (r *runner) advanceStep(ctx context.Context, note string) {
	r.publish(ctx, events.StepComplete, note, map[string]any{"step": r.position, "label": r.plan[r.position]})
	r.position++
	r.acc.StepAttempts = 0
	r.stalls = 0
}

func (r *runner) advancePhase(ctx context.Context, why string) {
	from := r.acc.Phase
	r.acc.Phase = string(strategy.Phase(from).Next())
	r.acc.PhaseActions = 0
	r.publish(ctx, events.PhaseChange, r.acc.Phase, map[string]any{"from": from, "to": r.acc.Phase, "reason": why})
}

func (r *runner) elapsed() time.Duration {
	return r.e.now().Sub(r.startedAt)
}

func (r *runner) checkpoint(ctx context.Context) error {
	r.acc.ElapsedSeconds = r.elapsed().Seconds()
	r.percent()
	snap := &Snapshot{
		Position:     r.position,
		Conversation: r.conv.Messages(),
		Context:      r.acc,
	}
	return r.e.checkpoints.Save(ctx, r.task.ID, snap)
}

// percent updates and returns the running progress. Guided mode reports the
// fraction of plan steps done (at most 99), dynamic mode the fraction of the
// time budget used (at most 95). It never goes down.
func (r *runner) percent() int {
	var p int
	if r.mode == ModeGuided {
		p = r.position * 100 / len(r.plan)
		if p > 99 {
			p = 99
		}
	} else if budget := r.e.cfg.SessionBudget; budget > 0 {
		p = int(r.elapsed() * 100 / budget)
		if p > 95 {
			p = 95
		}
	}
	if p < r.acc.ProgressPercent {
		p = r.acc.ProgressPercent
	}
	r.acc.ProgressPercent = p
	return p
}

func (r *runner) stepLabel() string {
	if r.mode == ModeGuided {
		i := r.position
		if i >= len(r.plan) {
			i = len(r.plan) - 1
		}
		return r.plan[i]
	}
	label := r.acc.Phase + " phase"
	if n := len(r.acc.Actions); n > 0 {
		label += " (last: " + r.acc.Actions[n-1].Name + ")"
	}
	return label
}

func (r *runner) snapshotProgress() Progress {
	r.acc.ElapsedSeconds = r.elapsed().Seconds()
	recent := make([]string, 0, r.e.cfg.RecentActions)
	start := len(r.acc.Actions) - r.e.cfg.RecentActions
	if start < 0 {
		start = 0
	}
	for _, a := range r.acc.Actions[start:] {
		recent = append(recent, a.Summary())
	}
	return Progress{
		PromptCount:      r.acc.PromptCount,
		Phase:            r.acc.Phase,
		RecentActions:    recent,
		ProgressPercent:  r.percent(),
		CurrentStepLabel: r.stepLabel(),
		ActionCount:      len(r.acc.Actions),
		Iterations:       r.acc.Iterations,
		ElapsedSeconds:   r.acc.ElapsedSeconds,
		UpdatedAt:        r.e.now().UTC(),
	}
}

func (r *runner) persistProgress(ctx context.Context) error {
	p := r.snapshotProgress()
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("engine: marshal progress: %w", err)
	}
	if err := r.e.store.UpdateTaskProgress(ctx, store.UpdateTaskProgressParams{
		ID:         r.task.ID,
		Progress:   raw,
		Iterations: int32(r.acc.Iterations),
	}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("engine: update progress: %w", err)
	}
	r.publish(ctx, events.Progress, p.CurrentStepLabel, map[string]any{
		"progress_percent": p.ProgressPercent,
		"actions":          p.ActionCount,
		"phase":            p.Phase,
	})
	return nil
}

// pace enforces the pause between iterations. Cancellation cuts it short.
func (r *runner) pace(ctx context.Context) {
	wctx, cancel := r.interruptible(ctx)
	defer cancel()
	_ = r.pacer.Wait(wctx)
}

// wait sleeps for d unless the session is cancelled or the process stops.
func (r *runner) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-r.token.Done():
	}
}

func (r *runner) interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.token.Done():
			cancel()
		case <-wctx.Done():
		}
	}()
	return wctx, cancel
}

func (r *runner) publish(ctx context.Context, t events.Type, msg string, data map[string]any) {
	r.e.events.Publish(context.WithoutCancel(ctx), events.Event{
		Type:      t,
		TaskID:    r.task.ID,
		Timestamp: r.e.now().UTC(),
		Message:   msg,
		Data:      data,
	})
}

// sessionResult is stored in tasks.result.
type sessionResult struct {
	StopReason     string  `json:"stop_reason"`
	Mode           string  `json:"mode"`
	Actions        int     `json:"actions"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Position       int     `json:"position"`
	Iterations     int     `json:"iterations"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// finish writes the terminal record and returns the status written, or ""
// if the task was already terminal or could not be written.
func (r *runner) finish(ctx context.Context, reason stopReason, cause error) string {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	progress := r.snapshotProgress()
	var (
		status  store.TaskStatus
		summary string
		errText pgtype.Text
		evType  events.Type
	)
	switch reason {
	case stopCancelled:
		status, evType = store.TaskStatusCancelled, events.TaskCancelled
		summary = fmt.Sprintf("Cancelled after %d actions.", len(r.acc.Actions))
	case stopFatal:
		status, evType = store.TaskStatusFailed, events.TaskFailed
		errText = pgtype.Text{String: cause.Error(), Valid: true}
		summary = r.templateSummary("an unrecoverable error occurred: " + cause.Error())
	default:
		status, evType = store.TaskStatusCompleted, events.TaskComplete
		summary = r.summarize(wctx, stopExplanation(reason, r.maxIterations))
		progress.ProgressPercent = 100
	}

	succeeded := 0
	for _, a := range r.acc.Actions {
		if a.Success {
			succeeded++
		}
	}
	result, _ := json.Marshal(sessionResult{
		StopReason:     reason.String(),
		Mode:           r.mode,
		Actions:        len(r.acc.Actions),
		Succeeded:      succeeded,
		Failed:         len(r.acc.Actions) - succeeded,
		Position:       r.position,
		Iterations:     r.acc.Iterations,
		ElapsedSeconds: progress.ElapsedSeconds,
	})
	progressRaw, _ := json.Marshal(progress)

	_, err := r.e.store.FinishTask(wctx, store.FinishTaskParams{
		ID:       r.task.ID,
		Status:   status,
		Progress: progressRaw,
		Result:   result,
		Summary:  pgtype.Text{String: summary, Valid: true},
		Error:    errText,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.log.Info("engine: task already terminal", slog.String("wanted", string(status)))
		} else {
			r.log.Error("engine: finish task", slog.String("status", string(status)), slog.String("error", err.Error()))
		}
		return ""
	}

	r.publish(ctx, evType, summary, map[string]any{"status": string(status), "actions": len(r.acc.Actions)})
	r.log.Info("engine: session finished",
		slog.String("status", string(status)),
		slog.String("reason", reason.String()),
		slog.Int("actions", len(r.acc.Actions)),
		slog.Int("iterations", r.acc.Iterations),
	)
	return string(status)
}

func stopExplanation(reason stopReason, maxIterations int) string {
	switch reason {
	case stopBudget:
		return "the session time budget was used up"
	case stopPlanDone:
		return "every plan step was attempted"
	case stopCeiling:
		return fmt.Sprintf("the limit of %d iterations was reached", maxIterations)
	default:
		return "the session ended"
	}
}
