package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amplifier/amplifier-go-backend/internal/llm"
)

// summarize asks the model for a closing summary of the session. Any failure
// falls back to templateSummary.
func (r *runner) summarize(ctx context.Context, why string) string {
	timeout := r.e.cfg.SummaryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "The session has ended because %s.\n\n", why)
	if len(r.acc.Actions) == 0 {
		b.WriteString("No actions were taken.\n")
	} else {
		b.WriteString("Actions taken:\n")
		for _, a := range r.acc.Actions {
			fmt.Fprintf(&b, "- %s\n", a.Summary())
		}
	}
	b.WriteString("\nWrite a short summary for the user: what was accomplished, what failed, and what is left to do. Plain text, no more than a few sentences.")

	msgs := []llm.Message{r.conv.Framing(), {Role: "user", Content: b.String()}}

	if err := r.e.limiter.Wait(sctx); err != nil {
		return r.templateSummary(why)
	}
	comp, err := r.e.gateway.Complete(sctx, msgs, nil)
	if err != nil {
		r.log.Warn("engine: summary generation failed", slog.String("error", err.Error()))
		return r.templateSummary(why)
	}
	text := strings.TrimSpace(comp.Text)
	if text == "" {
		return r.templateSummary(why)
	}
	return text
}

// templateSummary builds a summary from the action list alone.
func (r *runner) templateSummary(why string) string {
	succeeded, failed := 0, 0
	for _, a := range r.acc.Actions {
		if a.Success {
			succeeded++
		} else {
			failed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Worked on %q for %s and stopped because %s. ",
		r.task.Goal, r.elapsed().Round(time.Second), why)
	fmt.Fprintf(&b, "%d actions taken (%d succeeded, %d failed).", len(r.acc.Actions), succeeded, failed)
	if r.mode == ModeGuided {
		done := r.position
		if done > len(r.plan) {
			done = len(r.plan)
		}
		fmt.Fprintf(&b, " Reached %d of %d plan steps.", done, len(r.plan))
	}

	n := len(r.acc.Actions)
	if n > 0 {
		from := n - 5
		if from < 0 {
			from = 0
		}
		names := make([]string, 0, n-from)
		for _, a := range r.acc.Actions[from:] {
			names = append(names, a.Summary())
		}
		b.WriteString(" Recent: ")
		b.WriteString(strings.Join(names, "; "))
		b.WriteString(".")
	}
	return b.String()
}
