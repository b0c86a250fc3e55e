package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxRetryAfter caps how long a Retry-After header may stall one call.
const maxRetryAfter = 30

// RetryPolicy bounds Do. Delays grow exponentially from BaseDelay with jitter
// and never exceed MaxDelay; a zero BaseDelay retries immediately.
type RetryPolicy struct {
	Retries        int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 10 * p.BaseDelay
	}
	return b
}

// Call is one outbound JSON request.
type Call struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

type Reply struct {
	Status   int
	Body     []byte
	Attempts int
}

// Do sends call, retrying transport errors, 429 and 5xx replies. When retries
// run out on a retryable status the last reply is returned without error so
// callers can surface the upstream body.
func Do(ctx context.Context, client *http.Client, call Call, p RetryPolicy) (Reply, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var (
		attempts int
		last     *Reply
	)
	op := func() (Reply, error) {
		attempts++
		last = nil
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(attemptCtx, call.Method, call.URL, bytes.NewReader(call.Body))
		if err != nil {
			return Reply{}, backoff.Permanent(err)
		}
		if len(call.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range call.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Reply{}, err
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return Reply{}, fmt.Errorf("read %s reply: %w", call.URL, err)
		}
		out := Reply{Status: resp.StatusCode, Body: body, Attempts: attempts}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			last = &out
			if secs, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				return out, backoff.RetryAfter(secs)
			}
			return out, fmt.Errorf("upstream throttled: %d", resp.StatusCode)
		case resp.StatusCode >= 500:
			last = &out
			return out, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return out, nil
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.Retries, 0)+1)),
	)
	if err != nil {
		if last != nil {
			return *last, nil
		}
		return Reply{Attempts: attempts}, err
	}
	return out, nil
}

func retryAfter(v string) (int, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(secs, maxRetryAfter), true
}
