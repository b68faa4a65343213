package llm

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/amplifier/amplifier-go-backend/internal/llm")

// Completion is one model turn: free text and, optionally, the single
// capability call the model wants made next.
type Completion struct {
	Text         string
	ProposedCall *ToolCall
	Usage        TokenUsage
}

// Gateway is the session runner's view of the language model. It narrows a
// chat response to at most one proposed capability call per turn.
type Gateway struct {
	client Client
}

// NewGateway wraps client.
func NewGateway(client Client) *Gateway {
	return &Gateway{client: client}
}

// Complete sends messages with the offered capabilities and returns the
// model's reply. Errors keep the ErrTransient / ErrPermanent classification
// of the underlying client.
func (g *Gateway) Complete(ctx context.Context, messages []Message, capabilities []ToolDefinition) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "llm.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("amplifier.llm.messages", len(messages)),
			attribute.Int("amplifier.llm.capabilities", len(capabilities)),
		),
	)
	defer span.End()

	resp, err := g.client.Chat(ctx, ChatRequest{Messages: messages, Tools: capabilities})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("amplifier.llm.tokens.input", resp.Usage.PromptTokens),
		attribute.Int("amplifier.llm.tokens.output", resp.Usage.CompletionTokens),
	)

	out := &Completion{Text: resp.Content, Usage: resp.Usage}
	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		out.ProposedCall = &call
		if len(resp.ToolCalls) > 1 {
			slog.Debug("llm: dropping extra tool calls",
				slog.Int("proposed", len(resp.ToolCalls)),
				slog.String("kept", call.Name),
			)
		}
	}
	return out, nil
}
