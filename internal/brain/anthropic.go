package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic generates replies with the Messages API.
type Anthropic struct {
	client      *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

func NewAnthropic(cfg Config) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.AnthropicKey),
		option.WithMaxRetries(0),
	}
	if u := strings.TrimSpace(cfg.AnthropicURL); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	client := anthropic.NewClient(opts...)

	model := anthropic.ModelClaude3_5Sonnet20241022
	if m := strings.TrimSpace(cfg.AnthropicModel); m != "" {
		model = anthropic.Model(m)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Anthropic{
		client:      &client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

func (a *Anthropic) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.InputText)),
		},
		System: []anthropic.TextBlockParam{{Text: systemPrompt(req)}},
	}
	if a.temperature > 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		out.WriteString(block.AsText().Text)
	}
	text := strings.TrimSpace(out.String())
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}
