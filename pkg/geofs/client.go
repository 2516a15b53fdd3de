// Copyright 2024-2026 Aiku AI

package geofs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"
)

// retryableStatuses are the HTTP status codes that trigger a network-level
// retry. Matches the GeoFS multiplayer server's known transient failures.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryPolicy controls both retry layers of Client.Post. The zero value is
// not usable; start from DefaultRetryPolicy.
type RetryPolicy struct {
	// NetworkAttempts bounds the inner loop: connection errors and
	// retryable status codes.
	NetworkAttempts int
	// NetworkBackoff is the initial inner backoff, doubled per attempt.
	NetworkBackoff time.Duration
	// ParseAttempts bounds the outer loop: malformed response bodies and
	// exhausted network retries.
	ParseAttempts int
	// ParseBackoff is the initial outer backoff, doubled per attempt.
	ParseBackoff time.Duration
	// MaxRetryAfter caps a server-supplied Retry-After value.
	MaxRetryAfter time.Duration
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
}

// DefaultRetryPolicy returns the production schedule: 5 network attempts
// backing off 1s, 2s, 4s, 8s, and 3 parse attempts backing off 1s, 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NetworkAttempts: 5,
		NetworkBackoff:  time.Second,
		ParseAttempts:   3,
		ParseBackoff:    time.Second,
		MaxRetryAfter:   30 * time.Second,
		RequestTimeout:  15 * time.Second,
	}
}

var (
	errEmptyBody = errors.New("empty response body")
	// errRequestFailed is returned once every attempt of both retry layers
	// has failed. Callers treat any error from Post as one opaque failure;
	// the distinction only matters for logs.
	errRequestFailed = errors.New("request failed after all retries")
)

// Client POSTs JSON payloads to the GeoFS multiplayer endpoint with two
// layers of retries. It never surfaces transport details to callers: a Post
// either decodes a response into out or reports one opaque failure, with the
// diagnostics in the log.
//
// The underlying transport is discarded and rebuilt after any network error
// to guard against a stale keep-alive socket.
type Client struct {
	http    *http.Client
	policy  RetryPolicy
	headers http.Header
	log     zerolog.Logger
}

// NewClient creates a Client with the given retry policy. The headers are
// attached to every request.
func NewClient(log zerolog.Logger, policy RetryPolicy, headers http.Header) *Client {
	c := &Client{
		policy:  policy,
		headers: headers,
		log:     log.With().Str("component", "geofs_client").Logger(),
	}
	c.http = &http.Client{
		Transport: newTransport(),
		Timeout:   policy.RequestTimeout,
	}
	return c
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		// Keep-alive sockets to the multiplayer endpoint go stale under
		// load balancer churn; one connection per request is cheaper than
		// diagnosing silent hangs.
		DisableKeepAlives: true,
	}
}

// resetTransport drops the connection pool after a suspected stale socket.
func (c *Client) resetTransport() {
	c.http.CloseIdleConnections()
	c.http.Transport = newTransport()
}

// Post sends payload as JSON to url and decodes the response into out.
// Network failures and retryable statuses are retried with exponential
// backoff up to the policy's NetworkAttempts, honoring Retry-After.
// Malformed response bodies (and fully exhausted network retries) are
// retried up to ParseAttempts. An empty body on a 2xx response is treated
// as unrecoverable and fails immediately.
//
// Retry sleeps honor ctx; a cancelled context is the only way to bound a
// Post before the policy is exhausted.
func (c *Client) Post(ctx context.Context, url string, payload any, cookies map[string]string, out any) error {
	reqID := uuid.NewString()[:8]
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	log := c.log.With().Str("req_id", reqID).Str("url", url).Logger()
	backoff := c.policy.ParseBackoff
	for attempt := 0; attempt < c.policy.ParseAttempts; attempt++ {
		if attempt > 0 {
			log.Debug().Dur("backoff", backoff).Int("attempt", attempt+1).Msg("Retrying request")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
		}

		raw, err := c.do(ctx, log, url, body, cookies)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errEmptyBody) {
				log.Error().Msg("Empty response body, nothing to parse")
				return errEmptyBody
			}
			log.Error().Err(err).Msg("Request failed, resetting transport")
			c.resetTransport()
			continue
		}

		if err := json.Unmarshal(raw, out); err != nil {
			preview := raw
			if len(preview) > 300 {
				preview = preview[:300]
			}
			log.Error().Err(err).Bytes("body_preview", preview).Msg("Failed to decode response")
			continue
		}
		log.Debug().Int("body_len", len(raw)).Msg("Request succeeded")
		return nil
	}

	log.Error().Int("attempts", c.policy.ParseAttempts).Msg("Giving up on request")
	return errRequestFailed
}

// do runs the inner network-retry loop and returns the raw response body.
// A server-supplied Retry-After value replaces that attempt's backoff sleep.
func (c *Client) do(ctx context.Context, log zerolog.Logger, url string, body []byte, cookies map[string]string) ([]byte, error) {
	backoff := c.policy.NetworkBackoff
	var lastErr error
	for attempt := 1; attempt <= c.policy.NetworkAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, vs := range c.headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		for name, value := range cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}

		wait := backoff
		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("Network error")
			c.resetTransport()
		} else {
			raw, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			elapsed := time.Since(start)

			switch {
			case retryableStatuses[resp.StatusCode]:
				wait = retryafter.Parse(resp.Header.Get("Retry-After"), backoff)
				if wait > c.policy.MaxRetryAfter {
					wait = c.policy.MaxRetryAfter
				}
				lastErr = fmt.Errorf("status %d", resp.StatusCode)
				log.Warn().Int("status", resp.StatusCode).Dur("wait", wait).Msg("Retryable status")
			case readErr != nil:
				lastErr = readErr
				log.Warn().Err(readErr).Msg("Failed to read response body")
				c.resetTransport()
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
			case len(raw) == 0:
				return nil, errEmptyBody
			default:
				log.Debug().Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("Response received")
				return raw, nil
			}
		}

		if attempt < c.policy.NetworkAttempts {
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("network retries exhausted: %w", lastErr)
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false if the
// sleep was interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
