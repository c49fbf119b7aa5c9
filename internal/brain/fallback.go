package brain

import (
	"context"
	"errors"
	"fmt"
)

// Fallback attempts a primary generator first and falls back on error.
type Fallback struct {
	primary  Generator
	fallback Generator
}

func NewFallback(primary, fallback Generator) *Fallback {
	return &Fallback{primary: primary, fallback: fallback}
}

func (a *Fallback) Primary() Generator {
	if a == nil {
		return nil
	}
	return a.primary
}

func (a *Fallback) Secondary() Generator {
	if a == nil {
		return nil
	}
	return a.fallback
}

func (a *Fallback) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.Generate(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback generator misconfigured")
	}
	streamed := false
	resp, err := a.primary.Generate(ctx, req, func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	// A half-streamed reply cannot be replaced without the listener hearing both.
	if streamed || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || a.fallback == nil {
		return Response{}, err
	}
	fallbackResp, fallbackErr := a.fallback.Generate(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
