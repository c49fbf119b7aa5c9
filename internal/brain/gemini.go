package brain

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Gemini generates replies with the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	maxTokens   int32
	temperature float64
}

func NewGemini(cfg Config) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.GeminiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: http.DefaultClient,
	}
	if u := strings.TrimSpace(cfg.GeminiBaseURL); u != "" {
		cc.HTTPOptions.BaseURL = u
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := strings.TrimSpace(cfg.GeminiModel)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Gemini{
		client:      client,
		model:       model,
		maxTokens:   int32(maxTokens),
		temperature: cfg.Temperature,
	}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req), genai.RoleUser),
		MaxOutputTokens:   g.maxTokens,
	}
	if g.temperature > 0 {
		gc.Temperature = genai.Ptr(float32(g.temperature))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.InputText), gc)
	if err != nil {
		return Response{}, fmt.Errorf("gemini api error: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}
