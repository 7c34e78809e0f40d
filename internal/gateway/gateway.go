// Package gateway wraps langchaingo chat models behind a single Generate
// call with rate limiting and bounded retry of transient provider failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/backlogd/internal/config"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
)

var (
	// ErrInvalidModel indicates the requested model does not exist or has
	// been decommissioned by the provider. Not retried.
	ErrInvalidModel = errors.New("invalid model")

	// ErrUnknownProvider indicates an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Options override the configured generation defaults for one call. Nil
// pointer fields keep the defaults.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// Result is the raw model output plus token usage.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client calls one configured chat model provider.
type Client struct {
	model   llms.Model
	cfg     config.GatewayConfig
	limiter *rate.Limiter
	log     *logging.Logger
}

// New builds a Client for the configured provider. The context is only used
// for provider handshake during construction.
func New(ctx context.Context, cfg config.GatewayConfig, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.NewNop()
	}

	var model llms.Model
	var err error
	switch cfg.Provider {
	case "openai":
		model, err = openai.New(
			openai.WithToken(cfg.APIKey.Value()),
			openai.WithModel(cfg.Model),
		)
	case "googleai":
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey.Value()),
			googleai.WithDefaultModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s client: %w", cfg.Provider, err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		model:   model,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log.Named("gateway"),
	}, nil
}

// Generate renders the prompt and calls the model, retrying transient
// failures up to the configured attempt count. Invalid model errors and other
// permanent failures return immediately.
func (c *Client) Generate(ctx context.Context, p Prompt, opts *Options) (*Result, error) {
	messages, callOpts, modelName := c.prepare(ctx, p, opts)

	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if iv := time.Duration(c.cfg.RetryInterval); iv > 0 {
		bo.InitialInterval = iv
	}

	op := func() (*Result, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.model.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			return nil, classify(err, modelName)
		}
		if len(resp.Choices) == 0 {
			return nil, backoff.Permanent(errors.New("model returned no choices"))
		}
		choice := resp.Choices[0]
		return &Result{
			Text:             choice.Content,
			PromptTokens:     tokenCount(choice.GenerationInfo, "PromptTokens", "input_tokens"),
			CompletionTokens: tokenCount(choice.GenerationInfo, "CompletionTokens", "output_tokens"),
		}, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)),
	)
	if err != nil {
		c.log.Error(ctx, "generation failed",
			zap.String("provider", c.cfg.Provider),
			zap.String("model", modelName),
			zap.Error(err))
		return nil, err
	}

	c.log.Info(ctx, "generation succeeded",
		zap.String("model", modelName),
		zap.Int("prompt_tokens", res.PromptTokens),
		zap.Int("completion_tokens", res.CompletionTokens))
	return res, nil
}

func (c *Client) prepare(ctx context.Context, p Prompt, opts *Options) ([]llms.MessageContent, []llms.CallOption, string) {
	rendered := c.render(ctx, p)
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, rendered.System),
		llms.TextParts(llms.ChatMessageTypeHuman, rendered.User),
		llms.TextParts(llms.ChatMessageTypeAI, rendered.Assistant),
	}

	temperature := c.cfg.Temperature
	maxTokens := c.cfg.MaxTokens
	topP := c.cfg.TopP
	modelName := c.cfg.Model
	if opts != nil {
		if opts.Temperature != nil {
			temperature = *opts.Temperature
		}
		if opts.MaxTokens != nil {
			maxTokens = *opts.MaxTokens
		}
		if opts.TopP != nil {
			topP = *opts.TopP
		}
		if opts.Model != "" {
			modelName = opts.Model
		}
	}

	callOpts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
		llms.WithTopP(topP),
	}
	if modelName != c.cfg.Model {
		callOpts = append(callOpts, llms.WithModel(modelName))
	}
	return messages, callOpts, modelName
}

// classify wraps err for the retry loop. Transient provider failures stay
// retryable; everything else becomes permanent.
func classify(err error, modelName string) error {
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "model") &&
		(strings.Contains(msg, "not found") ||
			strings.Contains(msg, "does not exist") ||
			strings.Contains(msg, "decommissioned") ||
			strings.Contains(msg, "deprecated")) {
		return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrInvalidModel, modelName, err))
	}

	if transient(msg) {
		return err
	}
	return backoff.Permanent(err)
}

func transient(msg string) bool {
	for _, marker := range []string{
		"rate limit",
		"429",
		"timeout",
		"timed out",
		"connection",
		"temporarily",
		"unavailable",
		"overloaded",
		"resource exhausted",
		"500",
		"502",
		"503",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func tokenCount(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
