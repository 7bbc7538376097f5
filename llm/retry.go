package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liamcoop/ruleassist/internal/logger"
)

// RetryConfig bounds how a RetryingClient retries one logical call.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries uint64
	// CallTimeout bounds each attempt. Zero disables the per-attempt deadline.
	CallTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		CallTimeout:     60 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// RetryingClient retries transient failures of an inner Client with exponential backoff.
type RetryingClient struct {
	inner  Client
	config RetryConfig
}

var _ Client = (*RetryingClient)(nil)

func NewRetryingClient(inner Client, config RetryConfig) *RetryingClient {
	return &RetryingClient{inner: inner, config: config}
}

func (c *RetryingClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	var out string
	attempt := 0
	op := func() error {
		attempt++
		logger.LLMCalls.Add(1)

		callCtx, cancel := c.attemptContext(ctx)
		defer cancel()

		text, err := c.inner.Complete(callCtx, prompt, opts)
		if err != nil {
			if ctx.Err() != nil || !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = text
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.LLMRetries.Add(1)
		logger.Warn("llm call failed, retrying",
			"purpose", opts.Purpose, "attempt", attempt, "wait", wait.String(), "error", err)
	}

	if err := backoff.RetryNotify(op, c.backoff(ctx), notify); err != nil {
		return "", err
	}
	return out, nil
}

func (c *RetryingClient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.CallTimeout)
}

func (c *RetryingClient) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.config.InitialInterval > 0 {
		b.InitialInterval = c.config.InitialInterval
	}
	if c.config.MaxInterval > 0 {
		b.MaxInterval = c.config.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.config.MaxRetries), ctx)
}
