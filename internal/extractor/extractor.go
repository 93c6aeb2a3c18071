package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/sift/internal/anthropic"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
)

// Oracle answers a prompt with text. *anthropic.Client implements it.
type Oracle interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Extractor struct {
	llm    Oracle
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	callTimeout time.Duration
	maxTokens   int
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Extractor)

// WithMaxAttempts bounds the number of oracle calls per message.
func WithMaxAttempts(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the delay cap.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Extractor) {
		e.baseDelay = base
		e.maxDelay = max
	}
}

// WithCallTimeout bounds a single oracle call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Extractor) { e.sleep = fn }
}

func New(llm Oracle, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		llm:         llm,
		logger:      logger,
		maxAttempts: 4,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
		callTimeout: 60 * time.Second,
		maxTokens:   1024,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the oracle for the schema's fields in one message. Retryable
// transport failures are retried with exponential backoff; every failure is
// returned as *Error.
func (e *Extractor) Extract(ctx context.Context, msg transcript.RawMessage, s *schema.Schema) (*Result, error) {
	prompt := fmt.Sprintf(userPrompt, s.PromptContract(), msg.Date(), msg.Clock(), msg.Author, msg.Body)
	messages := []anthropic.Message{
		{Role: "user", Content: prompt},
	}

	var lastErr *Error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff(attempt-1, lastErr)
			e.logger.Warn("retrying extraction",
				"index", msg.Index,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			stopped, err := e.wait(ctx, delay)
			if stopped {
				e.logger.Debug("retries stopped", "index", msg.Index, "attempts", attempt-1)
				return nil, lastErr
			}
			if err != nil {
				return nil, &Error{Kind: KindTransport, Attempts: attempt - 1, Reason: "cancelled during backoff", Err: err}
			}
		}

		raw, err := e.call(ctx, s.SystemPrompt, messages)
		if err != nil {
			lastErr = e.classify(ctx, err)
			lastErr.Attempts = attempt
			if !lastErr.Retryable {
				return nil, lastErr
			}
			continue
		}

		c, perr := parseCandidate(raw, s, func(key string) {
			e.logger.Debug("ignoring undeclared field", "index", msg.Index, "field", key)
		})
		if perr != nil {
			perr.Attempts = attempt
			if perr.Kind == KindMalformed {
				e.logger.Error("failed to parse extraction response",
					"index", msg.Index,
					"error", perr,
					"raw", raw,
				)
			}
			return nil, perr
		}

		e.logger.Debug("extraction complete",
			"index", msg.Index,
			"fields", len(c),
			"attempts", attempt,
		)
		return &Result{Candidate: c, Attempts: attempt}, nil
	}
	return nil, lastErr
}

// wait sleeps for the backoff delay. It reports stopped when the retry stop
// signal fired before or during the wait.
func (e *Extractor) wait(ctx context.Context, delay time.Duration) (stopped bool, err error) {
	stop := stopSignal(ctx)
	if stop == nil {
		return false, e.sleep(ctx, delay)
	}
	select {
	case <-stop:
		return true, nil
	default:
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-sleepCtx.Done():
		}
	}()
	err = e.sleep(sleepCtx, delay)
	select {
	case <-stop:
		return true, nil
	default:
	}
	return false, err
}

func (e *Extractor) call(ctx context.Context, system string, messages []anthropic.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.llm.Complete(callCtx, system, messages, e.maxTokens)
}

// classify maps an oracle error to a transport or malformed failure.
func (e *Extractor) classify(ctx context.Context, err error) *Error {
	if errors.Is(err, anthropic.ErrUnusableResponse) {
		return &Error{Kind: KindMalformed, Reason: "unusable response", Err: err}
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindTransport, Reason: "cancelled", Err: ctx.Err()}
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:      KindTransport,
			Retryable: retryableStatus(apiErr.StatusCode),
			Reason:    fmt.Sprintf("status %d", apiErr.StatusCode),
			Err:       err,
		}
	}
	// Network errors and per-call timeouts.
	return &Error{Kind: KindTransport, Retryable: true, Err: err}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// backoff returns the wait before retry n (1-based).
func (e *Extractor) backoff(n int, last *Error) time.Duration {
	d := e.baseDelay
	for i := 1; i < n && d < e.maxDelay; i++ {
		d *= 2
	}
	var apiErr *anthropic.APIError
	if last != nil && errors.As(last.Err, &apiErr) && apiErr.RetryAfter > d {
		d = apiErr.RetryAfter
	}
	if e.maxDelay > 0 && d > e.maxDelay {
		d = e.maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
