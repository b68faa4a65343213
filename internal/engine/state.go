package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/amplifier/amplifier-go-backend/internal/llm"
)

// Progress is the task's live snapshot, stored in tasks.progress. Only the
// session runner that owns the task writes it.
type Progress struct {
	PromptCount      int       `json:"prompt_count"`
	Phase            string    `json:"phase"`
	RecentActions    []string  `json:"recent_actions"`
	ProgressPercent  int       `json:"progress_percent"`
	CurrentStepLabel string    `json:"current_step_label"`
	ActionCount      int       `json:"action_count"`
	Iterations       int       `json:"iterations"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LoadProgress decodes a stored progress snapshot. Empty or malformed input
// yields the zero Progress.
func LoadProgress(raw json.RawMessage) Progress {
	var p Progress
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	if p.RecentActions == nil {
		p.RecentActions = []string{}
	}
	return p
}

// Action is one recorded capability call.
type Action struct {
	Position  int            `json:"position"`
	Step      int            `json:"step"` // plan step index, -1 in dynamic mode
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Success   bool           `json:"success"`
	Outcome   string         `json:"outcome"`
	At        time.Time      `json:"at"`
}

// Summary is the one-line form used in recent actions and collapsed history.
func (a Action) Summary() string {
	status := "ok"
	if !a.Success {
		status = "failed"
	}
	return fmt.Sprintf("%s (%s): %s", a.Name, status, truncate(a.Outcome, 120))
}

// AccumulatedContext is everything besides position and conversation that a
// resumed session needs to continue where the last one stopped.
type AccumulatedContext struct {
	Actions         []Action `json:"actions"`
	Phase           string   `json:"phase"`
	PhaseActions    int      `json:"phase_actions"`
	StepAttempts    int      `json:"step_attempts"`
	PromptCount     int      `json:"prompt_count"`
	Iterations      int      `json:"iterations"`
	ElapsedSeconds  float64  `json:"elapsed_seconds"`
	ProgressPercent int      `json:"progress_percent"`
}

// Snapshot is the resumable checkpoint. Position is the index of the next
// unit of work: the next plan step in guided mode, the next action in
// dynamic mode.
type Snapshot struct {
	Position     int                `json:"position"`
	Conversation []llm.Message      `json:"conversation"`
	Context      AccumulatedContext `json:"accumulated_context"`
	SavedAt      time.Time          `json:"saved_at"`
}

// Elapsed returns the session time already spent before this snapshot.
func (s *Snapshot) Elapsed() time.Duration {
	return time.Duration(s.Context.ElapsedSeconds * float64(time.Second))
}

// truncate cuts s to at most maxLen bytes on a rune boundary.
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
