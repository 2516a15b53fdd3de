// Copyright 2024-2026 Aiku AI

package geofs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testPolicy is DefaultRetryPolicy with millisecond backoffs so tests run
// fast while exercising the same attempt counts.
func testPolicy() RetryPolicy {
	return RetryPolicy{
		NetworkAttempts: 5,
		NetworkBackoff:  time.Millisecond,
		ParseAttempts:   3,
		ParseBackoff:    time.Millisecond,
		MaxRetryAfter:   50 * time.Millisecond,
		RequestTimeout:  time.Second,
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(zerolog.Nop(), testPolicy(), nil)
}

func TestPostSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: got %q", ct)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["hello"] != "world" {
			t.Errorf("payload: got %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"myId": "abc"})
	}))
	defer srv.Close()

	var out struct {
		MyID string `json:"myId"`
	}
	err := newTestClient(t).Post(context.Background(), srv.URL, map[string]any{"hello": "world"}, nil, &out)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.MyID != "abc" {
		t.Errorf("MyID: got %q, want %q", out.MyID, "abc")
	}
}

func TestPostSendsCookiesAndHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("PHPSESSID")
		if err != nil || cookie.Value != "sess123" {
			t.Errorf("PHPSESSID cookie: %v, %v", cookie, err)
		}
		if origin := r.Header.Get("Origin"); origin != "https://example.test" {
			t.Errorf("Origin header: got %q", origin)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Origin", "https://example.test")
	client := NewClient(zerolog.Nop(), testPolicy(), headers)
	var out map[string]any
	err := client.Post(context.Background(), srv.URL, map[string]any{}, map[string]string{"PHPSESSID": "sess123"}, &out)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestPostRetriesRetryableStatus(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	var out map[string]any
	if err := newTestClient(t).Post(context.Background(), srv.URL, nil, nil, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

func TestPostHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	var second atomic.Int64
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		second.Store(int64(time.Since(start)))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	policy := testPolicy()
	policy.MaxRetryAfter = 5 * time.Second
	client := NewClient(zerolog.Nop(), policy, nil)
	var out map[string]any
	if err := client.Post(context.Background(), srv.URL, nil, nil, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if wait := time.Duration(second.Load()); wait < time.Second {
		t.Errorf("second attempt after %v, want >= 1s (Retry-After)", wait)
	}
}

func TestPostDoesNotRetryNonRetryableStatus(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var out map[string]any
	if err := newTestClient(t).Post(context.Background(), srv.URL, nil, nil, &out); err == nil {
		t.Fatal("Post should fail on persistent 403")
	}
	// One network attempt per outer parse attempt: a 403 fails the inner
	// loop immediately but the outer loop still retries it.
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

func TestPostRetriesMalformedJSON(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`<html>not json`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out map[string]any
	if err := newTestClient(t).Post(context.Background(), srv.URL, nil, nil, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls: got %d, want 2", got)
	}
}

func TestPostEmptyBodyFailsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out map[string]any
	err := newTestClient(t).Post(context.Background(), srv.URL, nil, nil, &out)
	if !errors.Is(err, errEmptyBody) {
		t.Fatalf("Post: got %v, want errEmptyBody", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1 (no retry on empty body)", got)
	}
}

func TestPostGivesUpAfterAllAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out map[string]any
	err := newTestClient(t).Post(context.Background(), srv.URL, nil, nil, &out)
	if !errors.Is(err, errRequestFailed) {
		t.Fatalf("Post: got %v, want errRequestFailed", err)
	}
	// 3 outer attempts x 5 network attempts.
	if got := calls.Load(); got != 15 {
		t.Errorf("calls: got %d, want 15", got)
	}
}

func TestPostContextCancellation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	policy := testPolicy()
	policy.NetworkBackoff = time.Minute
	client := NewClient(zerolog.Nop(), policy, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var out map[string]any
		done <- client.Post(ctx, srv.URL, nil, nil, &out)
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Post: got %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Post did not honor context cancellation")
	}
}
