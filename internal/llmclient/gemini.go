package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	genai "google.golang.org/genai"
)

// GeminiClient is a thin wrapper around the official genai client, bound to
// one model. It only performs the API call itself; retry, validation and
// rate limiting are layered on top.
type GeminiClient struct {
	cli   *genai.Client
	model string
	rl    *RPSLimiter
}

// NewGeminiClient builds a client for the given model. An empty API key is a
// permanent configuration error: the run cannot produce anything without it.
func NewGeminiClient(ctx context.Context, apiKey, model string, rl *RPSLimiter) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, &PermanentError{Err: errors.New("llmclient: GEMINI_API_KEY is not set")}
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("llmclient: init gemini client: %w", err)}
	}
	return &GeminiClient{cli: cli, model: model, rl: rl}, nil
}

func (g *GeminiClient) Name() string { return "gemini:" + g.model }

func (g *GeminiClient) Close() error { return nil }

// GenerateJSON sends the prompt plus the JSON-encoded input and requests an
// application/json response. Errors are classified into permanent vs
// rate-limited before returning.
func (g *GeminiClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if g.rl != nil {
		if err := g.rl.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	full := prompt
	if input != nil {
		in, err := json.MarshalIndent(input, "", "  ")
		if err != nil {
			return nil, &PermanentError{Err: fmt.Errorf("llmclient: encode input: %w", err)}
		}
		full = prompt + "\n\n[INPUT JSON]\n" + string(in)
	}

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, classifyGenai(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ErrEmptyResponse
	}
	return json.RawMessage(resp.Candidates[0].Content.Parts[0].Text), nil
}

// classifyGenai maps genai API errors onto the retry taxonomy using the HTTP
// status code when available, falling back to message matching.
func classifyGenai(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 401, 403, 404:
			return &PermanentError{Err: err}
		case 429, 500, 502, 503, 504:
			return &RateLimitError{Err: err}
		}
	}
	return Classify(err)
}
