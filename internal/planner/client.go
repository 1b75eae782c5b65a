// Package planner implements the Planner (C8): a two-stage LLM oracle —
// an intent router (Stage A) and a plan synthesizer (Stage B) — over a
// compact view of the connected tool registry and conversation context.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	plannerTemperature = 0.1
	defaultModel        = anthropic.ModelClaude3_5SonnetLatest
	maxResponseTokens   = 1024

	maxRetries       = 3
	baseRetryDelay   = 500 * time.Millisecond
)

// Client wraps the Anthropic SDK for the Planner's strict-JSON oracle
// calls. Unlike a user-facing chat completion, every call here is a
// single non-streaming round trip whose body must parse as JSON.
type Client struct {
	anthropic anthropic.Client
	model     anthropic.Model
}

// NewClient constructs a Client. model may be empty to use the package
// default.
func NewClient(apiKey string, model string) *Client {
	c := &Client{
		anthropic: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     defaultModel,
	}
	if model != "" {
		c.model = anthropic.Model(model)
	}
	return c
}

// completeJSON sends system+user text at a fixed low temperature and
// returns the raw text of the single response content block, retrying
// transient failures with exponential backoff the same way the teacher's
// streaming provider does.
func (c *Client) completeJSON(ctx context.Context, system, user string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("planner: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       c.model,
			MaxTokens:   maxResponseTokens,
			Temperature: anthropic.Float(plannerTemperature),
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		})
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return "", fmt.Errorf("planner: llm call failed: %w", err)
			}
			continue
		}

		return extractText(resp), nil
	}

	return "", fmt.Errorf("planner: llm call failed after %d attempts: %w", maxRetries, lastErr)
}

func extractText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			b.WriteString(text)
		}
	}
	return b.String()
}

// isRetryable classifies transport-level failures (rate limit, 5xx,
// timeouts) as retryable, mirroring the teacher's isRetryableError.
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return true // connection-level errors: assume transient
	}
	switch apiErr.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// extractJSON trims common LLM wrapping (markdown fences, leading prose)
// around a JSON object before parsing.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func decodeStrict[T any](raw string) (T, error) {
	var out T
	err := json.Unmarshal([]byte(extractJSON(raw)), &out)
	return out, err
}
