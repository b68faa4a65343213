// Package events carries live task progress to observers. Session runners
// publish typed events; the SSE endpoint subscribes per task. Delivery is
// best effort: the task record, not this stream, is the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Type names one kind of progress event.
type Type string

const (
	TaskStart     Type = "task_start"
	TaskResumed   Type = "task_resumed"
	StepStart     Type = "step_start"
	StepComplete  Type = "step_complete"
	ToolStart     Type = "tool_start"
	ToolEnd       Type = "tool_end"
	ToolError     Type = "tool_error"
	PhaseChange   Type = "phase_change"
	Progress      Type = "progress"
	TaskComplete  Type = "task_complete"
	TaskFailed    Type = "task_failed"
	TaskCancelled Type = "task_cancelled"
	TaskTimedOut  Type = "task_timed_out"
)

// Terminal reports whether t ends a task's stream.
func (t Type) Terminal() bool {
	return t == TaskComplete || t == TaskFailed || t == TaskCancelled || t == TaskTimedOut
}

// Event is one progress notification for a task.
type Event struct {
	Type      Type           `json:"type"`
	TaskID    uuid.UUID      `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher sends events. Implementations must not block the caller for
// long and must not fail the caller's work.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Channel returns the Redis channel events for taskID are published on.
func Channel(taskID uuid.UUID) string {
	return "amplifier:task:" + taskID.String()
}

// RedisBus publishes events on per-task Redis pub/sub channels.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a bus on rdb.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

var _ Publisher = (*RedisBus)(nil)

// Publish implements Publisher. Failures are logged and dropped.
func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("events: marshal", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	if err := b.rdb.Publish(ctx, Channel(ev.TaskID), payload).Err(); err != nil {
		slog.Warn("events: publish",
			slog.String("task_id", ev.TaskID.String()),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// subscriptionBuffer is how many events a subscriber may fall behind before
// progress events are dropped.
const subscriptionBuffer = 64

// Subscription is a live feed of one task's events. Progress events are
// dropped while the consumer lags; terminal events wait for it.
type Subscription struct {
	ps        *redis.PubSub
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe starts receiving events for taskID. The subscription is
// confirmed before Subscribe returns, so nothing published afterwards is
// missed. Close it when done.
func (b *RedisBus) Subscribe(ctx context.Context, taskID uuid.UUID) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel(taskID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}

	sub := &Subscription{ps: ps, ch: make(chan Event, subscriptionBuffer), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("events: decode", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
			continue
		}
		if ev.Type.Terminal() {
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Debug("events: subscriber lagging, dropped event", slog.String("type", string(ev.Type)))
		}
	}
}

// Events returns the channel events arrive on. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.ps.Close()
}
