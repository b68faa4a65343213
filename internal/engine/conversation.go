package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amplifier/amplifier-go-backend/internal/llm"
)

const (
	historyPrefix   = "Earlier in this session:\n"
	maxHistoryLines = 50
)

// Conversation owns the message history of one session. The first message
// (framing) is never trimmed or rewritten.
type Conversation struct {
	messages   []llm.Message
	threshold  int
	keepRecent int
}

// NewConversation starts a history with framing as its first message.
func NewConversation(framing string, threshold, keepRecent int) *Conversation {
	return newConversation([]llm.Message{{Role: "system", Content: framing}}, threshold, keepRecent)
}

// RestoreConversation continues a checkpointed history. msgs must be
// non-empty; its first entry is taken as the framing message.
func RestoreConversation(msgs []llm.Message, threshold, keepRecent int) *Conversation {
	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	return newConversation(cp, threshold, keepRecent)
}

func newConversation(msgs []llm.Message, threshold, keepRecent int) *Conversation {
	if keepRecent < 2 {
		keepRecent = 2
	}
	if threshold <= keepRecent+1 {
		threshold = keepRecent + 2
	}
	return &Conversation{messages: msgs, threshold: threshold, keepRecent: keepRecent}
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []llm.Message {
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// Framing returns the first message.
func (c *Conversation) Framing() llm.Message { return c.messages[0] }

// AppendInstruction adds an instruction for the model.
func (c *Conversation) AppendInstruction(text string) {
	c.messages = append(c.messages, llm.Message{Role: "user", Content: text})
}

// AppendReply adds a model reply that proposed no call.
func (c *Conversation) AppendReply(text string) {
	if strings.TrimSpace(text) == "" {
		text = "(no response)"
	}
	c.messages = append(c.messages, llm.Message{Role: "assistant", Content: text})
}

// AppendCall adds a proposed call together with its result, as one
// assistant/tool pair.
func (c *Conversation) AppendCall(text string, call llm.ToolCall, result string) {
	c.messages = append(c.messages,
		llm.Message{Role: "assistant", Content: text, ToolCalls: []llm.ToolCall{call}},
		llm.Message{Role: "tool", Content: result, ToolCallID: call.ID},
	)
}

// Reset drops everything but the framing message and appends instruction.
func (c *Conversation) Reset(instruction string) {
	c.messages = []llm.Message{c.messages[0]}
	c.AppendInstruction(instruction)
}

// Trim collapses the oldest messages into one summary message once the
// history exceeds the threshold. The most recent keepRecent messages stay
// verbatim, except that the window is widened so a tool result is never
// separated from the call that produced it. Reports whether anything changed.
func (c *Conversation) Trim() bool {
	if len(c.messages) <= c.threshold {
		return false
	}

	rest := c.messages[1:]
	cut := len(rest) - c.keepRecent
	for cut > 0 && rest[cut].Role == "tool" {
		cut--
	}
	if cut <= 0 || (cut == 1 && isHistory(rest[0])) {
		return false
	}

	lines := historyLines(rest[:cut])
	if len(lines) > maxHistoryLines {
		dropped := len(lines) - maxHistoryLines
		lines = append([]string{fmt.Sprintf("- (%d earlier entries omitted)", dropped)}, lines[dropped:]...)
	}

	trimmed := make([]llm.Message, 0, 2+len(rest)-cut)
	trimmed = append(trimmed, c.messages[0])
	trimmed = append(trimmed, llm.Message{Role: "system", Content: historyPrefix + strings.Join(lines, "\n")})
	trimmed = append(trimmed, rest[cut:]...)
	c.messages = trimmed
	return true
}

func isHistory(m llm.Message) bool {
	return m.Role == "system" && strings.HasPrefix(m.Content, historyPrefix)
}

// historyLines turns collapsed messages into one line per prior action.
// Lines from an earlier summary are carried over.
func historyLines(msgs []llm.Message) []string {
	results := make(map[string]string)
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolCallID != "" {
			results[m.ToolCallID] = m.Content
		}
	}

	var lines []string
	for _, m := range msgs {
		switch {
		case isHistory(m):
			for _, l := range strings.Split(strings.TrimPrefix(m.Content, historyPrefix), "\n") {
				if l != "" {
					lines = append(lines, l)
				}
			}
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				lines = append(lines, fmt.Sprintf("- %s(%s) -> %s",
					tc.Name, truncate(string(args), 80), truncate(results[tc.ID], 120)))
			}
		}
	}
	return lines
}
