package agent

import (
	"context"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kilnrun/coder/internal/coderrors"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelayMs = 5000
	maxBackoffDelay    = 60 * time.Second
)

// rateLimitRe scans combined stdout+stderr for the rate-limit markers
// §4.B names explicitly.
var rateLimitRe = regexp.MustCompile(`(?i)rate limit|429|resource_exhausted|quota`)

// executeWithRetry implements §4.B's retry policy on top of a single
// call's function: exponential backoff (factor 2, capped at 60s),
// retrying on any error except the terminal kinds coderrors.IsTerminal
// recognizes, plus retrying a clean-exit-but-rate-limited result when
// opts.RetryOnRateLimit is set.
//
// Grounded on the teacher's pkg/llm.RetryableProviderWrapper, whose
// attempt loop and calculateBackoff this generalizes onto a single
// call(ctx) func wired through github.com/cenkalti/backoff/v5 instead
// of a hand-rolled loop with rand.Float64 jitter.
func executeWithRetry(ctx context.Context, opts ExecOptions, call func(context.Context) (Result, error)) (Result, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := time.Duration(opts.BaseDelayMs) * time.Millisecond
	if opts.BaseDelayMs <= 0 {
		baseDelay = time.Duration(defaultBaseDelayMs) * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.MaxInterval = maxBackoffDelay

	return backoff.Retry(ctx, func() (Result, error) {
		res, err := call(ctx)
		if err != nil {
			if coderrors.IsTerminal(err) {
				return Result{}, backoff.Permanent(err)
			}
			return Result{}, err
		}

		if opts.RetryOnRateLimit && rateLimitRe.MatchString(res.Stdout+res.Stderr) {
			return Result{}, &coderrors.RateLimitedError{Message: rateLimitRe.FindString(res.Stdout + res.Stderr)}
		}

		return res, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxAttempts)))
}

// executeWithFallback implements §4.B's fallback-model escalation: if
// executeWithRetry exhausts with a rate-limit classification and
// fallbackModel is configured, one more attempt is made with the
// fallback model substituted in.
func executeWithFallback(ctx context.Context, opts ExecOptions, call func(context.Context, ExecOptions) (Result, error)) (Result, error) {
	res, err := call(ctx, opts)
	if err == nil {
		return res, nil
	}

	var rateLimited *coderrors.RateLimitedError
	if !isRateLimited(err, &rateLimited) || opts.FallbackModel == "" {
		return Result{}, err
	}

	fallbackOpts := opts
	fallbackOpts.Model = opts.FallbackModel
	fallbackOpts.FallbackModel = ""
	return call(ctx, fallbackOpts)
}

func isRateLimited(err error, target **coderrors.RateLimitedError) bool {
	rl, ok := err.(*coderrors.RateLimitedError)
	if !ok {
		return false
	}
	*target = rl
	return true
}
