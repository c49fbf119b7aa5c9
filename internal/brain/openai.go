package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI generates replies with the Chat Completions API.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int64
	temperature float64
}

func NewOpenAI(cfg Config) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIKey),
		// Retries are owned by Retrying so attempts stay observable.
		option.WithMaxRetries(0),
	}
	if u := strings.TrimSpace(cfg.OpenAIBaseURL); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	client := openai.NewClient(opts...)

	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &OpenAI{
		client:      &client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

func (o *OpenAI) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(req)),
			openai.UserMessage(req.InputText),
		},
		MaxCompletionTokens: openai.Int(o.maxTokens),
	}
	if o.temperature > 0 {
		params.Temperature = openai.Float(o.temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}
