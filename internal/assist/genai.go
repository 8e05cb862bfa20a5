package assist

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// GenAIClient is the production ModelClient backed by the Gemini API. A
// circuit breaker sits in front of the call so a flapping provider degrades
// into fast ErrUnavailable results instead of stalling every batch.
type GenAIClient struct {
	client  *genai.Client
	model   string
	breaker *gobreaker.CircuitBreaker
}

// NewGenAIClient creates the Gemini-backed model client. Credentials come
// from the environment, same as every other Google client in this codebase.
func NewGenAIClient(ctx context.Context, model string) (*GenAIClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("assist: create genai client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "genai",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &GenAIClient{client: client, model: model, breaker: breaker}, nil
}

// GenerateText implements ModelClient.
func (g *GenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		contents := []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: prompt}},
			},
		}
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
		if err != nil {
			return nil, fmt.Errorf("assist: generate content: %w", err)
		}
		text := resp.Text()
		if text == "" {
			return nil, fmt.Errorf("assist: empty response from model")
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
