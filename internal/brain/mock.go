package brain

import (
	"context"
	"fmt"
	"strings"
)

// Mock provides deterministic local replies when no model is configured.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "I am listening."
	}
	prefix := "I heard you"
	if req.AgentID != "" {
		prefix = req.AgentID + " heard you"
	}
	if len(req.MemoryContext) == 0 {
		return fmt.Sprintf("%s: %s", prefix, base)
	}
	last := strings.TrimSpace(req.MemoryContext[len(req.MemoryContext)-1])
	if last == "" {
		return fmt.Sprintf("%s: %s", prefix, base)
	}
	return fmt.Sprintf("%s: %s\nI also remember: %s", prefix, base, last)
}
