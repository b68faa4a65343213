// Package strategy decides what the session runner asks the model next.
// Instructions are built from the goal, the current phase and the last
// outcome; the goal is classified once by keyword so discovery and analysis
// prompts point at the right part of the capability catalog.
package strategy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Phase is a coarse label used to vary dynamic-mode prompting over time.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseAnalysis  Phase = "analysis"
	PhaseAction    Phase = "action"
	PhaseReview    Phase = "review"
)

// Next returns the phase after p; review wraps back to discovery.
func (p Phase) Next() Phase {
	switch p {
	case PhaseDiscovery:
		return PhaseAnalysis
	case PhaseAnalysis:
		return PhaseAction
	case PhaseAction:
		return PhaseReview
	default:
		return PhaseDiscovery
	}
}

// ParsePhase maps a stored label back to a Phase, defaulting to discovery.
func ParsePhase(s string) Phase {
	switch p := Phase(s); p {
	case PhaseDiscovery, PhaseAnalysis, PhaseAction, PhaseReview:
		return p
	default:
		return PhaseDiscovery
	}
}

// Focus is the business area a goal is mostly about.
type Focus string

const (
	FocusTime          Focus = "time"
	FocusMatter        Focus = "matter"
	FocusBilling       Focus = "billing"
	FocusDocuments     Focus = "documents"
	FocusCalendar      Focus = "calendar"
	FocusCommunication Focus = "communication"
	FocusGeneral       Focus = "general"
)

// Checked in order; the first match wins.
var focusPatterns = []struct {
	focus Focus
	re    *regexp.Regexp
}{
	{FocusBilling, regexp.MustCompile(`(?i)\b(invoice[sd]?|bill(s|ing|ed)?|payments?|trust account|retainers?|write[- ]?offs?|collections?|a/r)\b`)},
	{FocusTime, regexp.MustCompile(`(?i)\b(time ?entr(y|ies)|timesheets?|hours?|timekeep(er|ing)|billable)\b`)},
	{FocusCalendar, regexp.MustCompile(`(?i)\b(calendar|deadlines?|hearings?|appointments?|schedul(e|ed|ing)|meetings?|due dates?)\b`)},
	{FocusDocuments, regexp.MustCompile(`(?i)\b(documents?|drafts?|memos?|memorandum|templates?|contracts?|agreements?|pleadings?|briefs?|motions?)\b`)},
	{FocusCommunication, regexp.MustCompile(`(?i)\b(emails?|letters?|correspondence|messages?|notify|follow[- ]?ups?|reach out)\b`)},
	{FocusMatter, regexp.MustCompile(`(?i)\b(matters?|cases?|clients?|litigation|discovery|depositions?|intake|conflicts?)\b`)},
}

// Classify returns the focus of goal.
func Classify(goal string) Focus {
	for _, fp := range focusPatterns {
		if fp.re.MatchString(goal) {
			return fp.focus
		}
	}
	return FocusGeneral
}

var focusHints = map[Focus]string{
	FocusTime:          "time entries and unbilled hours",
	FocusMatter:        "matters, their clients and status",
	FocusBilling:       "invoices, payments and outstanding balances",
	FocusDocuments:     "documents and drafts on the relevant matters",
	FocusCalendar:      "calendar events and upcoming deadlines",
	FocusCommunication: "recent correspondence and who needs a reply",
	FocusGeneral:       "the records most relevant to the goal",
}

// WrapUpWithin is the remaining budget under which instructions switch to
// finishing up.
const WrapUpWithin = 2 * time.Minute

// Request carries everything an instruction may depend on. Step, StepIndex
// and StepCount are set only in guided mode.
type Request struct {
	Goal       string
	Focus      Focus
	Phase      Phase
	LastResult string
	Remaining  time.Duration
	Stalls     int
	Step       string
	StepIndex  int
	StepCount  int
}

// Guided reports whether the request is for a plan step.
func (r Request) Guided() bool { return r.StepCount > 0 }

// Strategy produces the next instruction for the model.
type Strategy interface {
	NextInstruction(req Request) string
}

// Keyword is the default Strategy: fixed templates per phase, tailored by
// the goal's focus, growing more directive with every stall.
type Keyword struct{}

var _ Strategy = Keyword{}

// NextInstruction implements Strategy.
func (Keyword) NextInstruction(req Request) string {
	var b strings.Builder

	if req.LastResult != "" {
		fmt.Fprintf(&b, "Last outcome: %s\n\n", req.LastResult)
	}

	switch {
	case req.Guided():
		fmt.Fprintf(&b, "Step %d of %d: %s\n", req.StepIndex+1, req.StepCount, req.Step)
		b.WriteString("Call the one capability that accomplishes this step.")
	case req.Remaining > 0 && req.Remaining < WrapUpWithin:
		fmt.Fprintf(&b, "Less than %d minutes remain. ", int(WrapUpWithin.Minutes()))
		b.WriteString("Finish the most valuable open item for the goal and record the outcome. Do not start new work.")
	default:
		b.WriteString(phaseInstruction(req.Phase, req.Focus, req.Goal))
	}

	if req.Stalls > 0 {
		b.WriteString("\n\n")
		b.WriteString(directive(req.Stalls))
	}
	return b.String()
}

func phaseInstruction(p Phase, f Focus, goal string) string {
	hint, ok := focusHints[f]
	if !ok {
		hint = focusHints[FocusGeneral]
	}
	switch p {
	case PhaseAnalysis:
		return fmt.Sprintf("Analyze what you have found about %s. Fetch any detail still missing to decide what to do for: %s", hint, goal)
	case PhaseAction:
		return fmt.Sprintf("Take the next concrete action that moves this goal forward: %s", goal)
	case PhaseReview:
		return "Review the actions taken so far. Verify their results and correct anything that failed or is incomplete."
	default:
		return fmt.Sprintf("Look up %s. Start gathering what you need for: %s", hint, goal)
	}
}

func directive(stalls int) string {
	if stalls == 1 {
		return "Respond by calling a capability."
	}
	return fmt.Sprintf("You have answered %d times without calling a capability. Call exactly one capability now; do not reply with text only.", stalls)
}

// Framing builds the first message of every session. It is kept verbatim for
// the whole session.
func Framing(goal string, plan []string, budget time.Duration) string {
	var b strings.Builder
	b.WriteString("You are an autonomous assistant for a law practice. You work by calling the capabilities you are offered, one per turn, and reading their results.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if len(plan) > 0 {
		b.WriteString("\nPlan:\n")
		for i, step := range plan {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	fmt.Fprintf(&b, "\nYou have about %d minutes. If a capability fails, read the error and try a different approach.", int(budget.Round(time.Minute).Minutes()))
	return b.String()
}

// Reground is the instruction appended after a conversation reset.
func Reground(goal string, actionCount int) string {
	return fmt.Sprintf("The conversation was reset after repeated errors. %d actions were already completed. Continue working on: %s", actionCount, goal)
}
