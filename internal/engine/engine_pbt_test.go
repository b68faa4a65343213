package engine

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"pgregory.net/rapid"

	"github.com/amplifier/amplifier-go-backend/internal/capability"
	"github.com/amplifier/amplifier-go-backend/internal/llm"
	"github.com/amplifier/amplifier-go-backend/internal/store"
)

type turnKind int

const (
	turnSucceed turnKind = iota
	turnFail
	turnStall
	turnTransient
)

// --- Generators ---

func genPlan() *rapid.Generator[[]string] {
	return rapid.Custom(func(t *rapid.T) []string {
		n := rapid.IntRange(0, 4).Draw(t, "plan_len")
		plan := make([]string, n)
		for i := range plan {
			plan[i] = fmt.Sprintf("step %d", i+1)
		}
		return plan
	})
}

func genTurns() *rapid.Generator[[]turnKind] {
	return rapid.SliceOfN(
		rapid.SampledFrom([]turnKind{turnSucceed, turnFail, turnStall, turnTransient}),
		1, 12,
	)
}

func scriptTurns(kinds []turnKind) func(int, []llm.Message) (*llm.Completion, error) {
	return func(n int, _ []llm.Message) (*llm.Completion, error) {
		switch kinds[n%len(kinds)] {
		case turnSucceed:
			return propose("search"), nil
		case turnFail:
			return propose("broken"), nil
		case turnStall:
			return &llm.Completion{Text: "Thinking it over."}, nil
		default:
			return nil, fmt.Errorf("%w: 502", llm.ErrTransient)
		}
	}
}

func failingBroken() *fakeRegistry {
	return &fakeRegistry{invoke: func(name string) (capability.Result, error) {
		if name == "broken" {
			return capability.Result{Error: "capability rejected the arguments"}, nil
		}
		return capability.Result{Data: json.RawMessage(`{"ok":true}`)}, nil
	}}
}

// Feature: amplifier-go-backend, Property 8: Progress never decreases
// For any mix of successes, failures, stalls and gateway errors, every
// progress write is at least the previous one and a completed task ends at 100.
func TestPropertyProgressMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		st := newMemStore()
		task := newRunningTask(genPlan().Draw(rt, "plan")...)
		task.MaxIterations = int32(rapid.IntRange(1, 15).Draw(rt, "max_iterations"))
		st.put(task)

		cfg := testConfig()
		cfg.MaxStepAttempts = rapid.IntRange(1, 3).Draw(rt, "max_step_attempts")
		gw := &scriptedGateway{turn: scriptTurns(genTurns().Draw(rt, "turns"))}
		e := NewEngine(st, gw, failingBroken(), cfg, Options{})
		if err := e.StartTask(task); err != nil {
			rt.Fatalf("start: %v", err)
		}
		e.Wait()

		history := st.progressHistory(task.ID)
		for i := 1; i < len(history); i++ {
			if history[i] < history[i-1] {
				rt.Fatalf("progress went down: %v", history)
			}
		}
		got := st.task(task.ID)
		if got.Status != store.TaskStatusCompleted {
			rt.Fatalf("status = %s, want completed", got.Status)
		}
		if last := history[len(history)-1]; last != 100 {
			rt.Fatalf("final progress = %d, want 100", last)
		}
		for _, p := range history[:len(history)-1] {
			if p >= 100 {
				rt.Fatalf("progress reached 100 before completion: %v", history)
			}
		}
	})
}

// Feature: amplifier-go-backend, Property 9: Trimming keeps framing and call/result pairs
// For any history, after Trim the framing is first, at most one summary
// follows it, every tool result directly follows its call and the history
// stays within one message of the threshold.
func TestPropertyTrimPreservesPairs(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keep := rapid.IntRange(2, 8).Draw(rt, "keep")
		threshold := rapid.IntRange(keep+2, keep+12).Draw(rt, "threshold")
		c := NewConversation("framing", threshold, keep)

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 60).Draw(rt, "ops")
		for i, op := range ops {
			switch op {
			case 0:
				c.AppendInstruction("next")
			case 1:
				c.AppendReply("nothing to do")
			default:
				c.AppendCall("", llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "search"}, "{}")
			}
			c.Trim()

			msgs := c.Messages()
			if msgs[0].Content != "framing" {
				rt.Fatalf("framing lost: %+v", msgs[0])
			}
			if c.Len() > threshold+1 {
				rt.Fatalf("len %d exceeds threshold %d", c.Len(), threshold)
			}
			for j, m := range msgs {
				if isHistory(m) && j != 1 {
					rt.Fatalf("summary at index %d", j)
				}
				if m.Role != "tool" {
					continue
				}
				prev := msgs[j-1]
				if prev.Role != "assistant" || len(prev.ToolCalls) == 0 || prev.ToolCalls[0].ID != m.ToolCallID {
					rt.Fatalf("tool result %s separated from its call", m.ToolCallID)
				}
			}
		}
	})
}

// Feature: amplifier-go-backend, Property 10: Resume continues at the checkpoint position
// For any plan and checkpoint position P, a resumed session invokes exactly
// the steps from P onwards and finishes with position len(plan).
func TestPropertyResumeAtPosition(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(rt, "plan_len")
		plan := make([]string, n)
		for i := range plan {
			plan[i] = fmt.Sprintf("step %d", i+1)
		}
		p := rapid.IntRange(0, n).Draw(rt, "position")

		st := newMemStore()
		task := newRunningTask(plan...)
		st.put(task)
		snap := &Snapshot{
			Position:     p,
			Conversation: []llm.Message{{Role: "system", Content: "framing"}},
			Context:      AccumulatedContext{ProgressPercent: p * 100 / n / 2},
		}

		reg := &fakeRegistry{}
		e := NewEngine(st, &scriptedGateway{turn: alwaysPropose("search")}, reg, testConfig(), Options{})
		if err := e.ResumeTask(task, snap); err != nil {
			rt.Fatalf("resume: %v", err)
		}
		e.Wait()

		if got := reg.invocations(); got != n-p {
			rt.Fatalf("invocations = %d, want %d", got, n-p)
		}
		got := st.task(task.ID)
		if got.Status != store.TaskStatusCompleted {
			rt.Fatalf("status = %s", got.Status)
		}
		if p == n {
			return
		}
		final, err := DecodeSnapshot(got.Checkpoint)
		if err != nil || final == nil {
			rt.Fatalf("final checkpoint: %v", err)
		}
		if final.Position != n {
			rt.Fatalf("final position = %d, want %d", final.Position, n)
		}
		for _, a := range final.Context.Actions {
			if a.Step < p {
				rt.Fatalf("step %d repeated after resume at %d", a.Step, p)
			}
		}
	})
}

// Feature: amplifier-go-backend, Property 11: Every non-fatal ending has a summary
// Whether the session is cancelled, runs out of time or hits its iteration
// ceiling, and whether or not the model can summarize, the terminal record
// carries a non-empty summary and no error.
func TestPropertyTerminalSummary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ending := rapid.SampledFrom([]string{"cancel", "budget", "ceiling"}).Draw(rt, "ending")
		st := newMemStore()
		task := newRunningTask(genPlan().Draw(rt, "plan")...)
		task.MaxIterations = int32(rapid.IntRange(1, 6).Draw(rt, "max_iterations"))
		cfg := testConfig()
		if ending == "budget" {
			task.StartedAt = pgtype.Timestamptz{Time: time.Now().Add(-2 * cfg.SessionBudget), Valid: true}
		}
		st.put(task)

		gw := &scriptedGateway{turn: scriptTurns(genTurns().Draw(rt, "turns"))}
		switch rapid.IntRange(0, 2).Draw(rt, "summary_mode") {
		case 0:
			gw.summary = "Summary from the model."
		case 1:
			gw.summary = "   "
		default:
			gw.summaryErr = fmt.Errorf("%w: timeout", llm.ErrTransient)
		}

		e := NewEngine(st, gw, failingBroken(), cfg, Options{})
		if err := e.StartTask(task); err != nil {
			rt.Fatalf("start: %v", err)
		}
		if ending == "cancel" {
			e.RequestCancel(task.ID)
		}
		e.Wait()

		got := st.task(task.ID)
		if !got.Status.Terminal() || got.Status == store.TaskStatusFailed {
			rt.Fatalf("status = %s", got.Status)
		}
		if got.Summary.String == "" {
			rt.Fatalf("empty summary for %s ending", ending)
		}
		if got.Error.Valid {
			rt.Fatalf("error set: %s", got.Error.String)
		}
	})
}
