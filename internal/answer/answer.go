// Package answer queries an OpenAI-compatible chat-completions endpoint
// for natural-language answers.
package answer

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"askbot/internal/failure"
	logx "askbot/pkg/logx"
)

const systemPrompt = `You are a helpful assistant. When formatting responses:
- Use *word* for bold text (surround text with single asterisks)
- Start list items with - or *
- Keep responses clear and structured
- Separate paragraphs with blank lines

Example format:
Here are the prices:
- *Bitcoin (BTC)*: The price is $50,000
- *Ethereum (ETH)*: The price is $3,000`

// Config carries the upstream endpoint settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Service is the interface the executor and command layer consume.
type Service interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Client calls the configured chat-completions endpoint. Classification
// into failure kinds happens here so callers only look at the kind.
type Client struct {
	api     openai.Client
	model   string
	timeout time.Duration
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, failure.New(failure.Validation, "answer service api key is empty")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The attempt loop upstream owns retries.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "grok-beta"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		api:     openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		log:     log.With(logx.String("component", "answer")),
	}, nil
}

// Answer sends question with the fixed system prompt and returns the first
// choice's content. Deterministic output is wanted for recurring tasks, so
// temperature stays at zero.
func (c *Client) Answer(ctx context.Context, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", failure.New(failure.Validation, "question is empty")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(question),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		cerr := Classify(err)
		c.log.Warn("completion request failed",
			logx.String("model", c.model),
			logx.Duration("took", time.Since(start)),
			logx.String("kind", string(failure.KindOf(cerr))),
			logx.Err(err),
		)
		return "", cerr
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", failure.New(failure.Transient, "empty completion response")
	}
	c.log.Debug("completion ok",
		logx.String("model", c.model),
		logx.Duration("took", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}

// Classify maps an upstream error onto the failure taxonomy. Rate limits
// carry the Retry-After header as a delay hint when the server sent one.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			wrapped := failure.Wrap(failure.RateLimited, err)
			if after, ok := retryAfterHeader(apiErr.Response); ok {
				wrapped = failure.RetryAfter(wrapped, after)
			}
			return wrapped
		case apiErr.StatusCode >= 500:
			return failure.Wrap(failure.Transient, err)
		case apiErr.StatusCode == http.StatusBadRequest,
			apiErr.StatusCode == http.StatusNotFound,
			apiErr.StatusCode == http.StatusUnprocessableEntity:
			return failure.Wrap(failure.Invalid, err)
		case apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden:
			return failure.Wrap(failure.Fatal, err)
		default:
			return failure.Wrap(failure.Transient, err)
		}
	}
	// Timeouts and transport errors are worth another try.
	return failure.Wrap(failure.Transient, err)
}

func retryAfterHeader(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
