// Copyright 2024-2026 Aiku AI

package geofs

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const origin = "https://www.geo-fs.com"

// DefaultUpdateURL is the production multiplayer endpoint.
const DefaultUpdateURL = "https://mps.geo-fs.com/update"

// ErrDeadlineExceeded is returned by GetMessages when its soft deadline
// elapses before a fetch succeeds. It is the only failure that crosses the
// session boundary; everything else is retried internally.
var ErrDeadlineExceeded = errors.New("geofs: soft deadline exceeded")

// Credentials identify an authenticated GeoFS account. Session acquisition
// is out of scope; these are opaque values taken from the environment.
type Credentials struct {
	SessionID string
	AccountID string
}

// ChatMessage is one multiplayer chat line. Ephemeral: produced by
// GetMessages, consumed by formatting, not retained.
type ChatMessage struct {
	AccountID json.Number `json:"acid"`
	Callsign  string      `json:"cs"`
	Text      string      `json:"msg"`
}

// updateResponse is the subset of the multiplayer envelope we consume.
type updateResponse struct {
	MyID      json.Number   `json:"myId"`
	LastMsgID int64         `json:"lastMsgId"`
	Messages  []ChatMessage `json:"chatMessages"`
}

// SessionOptions hold the retry schedule for session operations. The
// original service hardcoded these; they are configuration here so the
// retry-forever policy is at least visible at the call site.
type SessionOptions struct {
	// UpdateURL is the multiplayer update endpoint.
	UpdateURL string
	// HandshakeRetryInterval is the pause between full handshake cycles.
	HandshakeRetryInterval time.Duration
	// FetchRetryInterval is the pause between fetch attempts inside a
	// GetMessages soft deadline.
	FetchRetryInterval time.Duration
	// SendRetryInterval is the pause between SendMsg attempts.
	SendRetryInterval time.Duration
}

// DefaultSessionOptions returns the production schedule.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		UpdateURL:              DefaultUpdateURL,
		HandshakeRetryInterval: 5 * time.Second,
		FetchRetryInterval:     2 * time.Second,
		SendRetryInterval:      5 * time.Second,
	}
}

// Session is a stateful client for the GeoFS multiplayer chat API. It owns
// the connection identity (myID) and the message cursor (lastMsgID); both
// are mutated only by Handshake and GetMessages. The process must hold
// exactly one Session per account — a second instance would race the
// server-side cursor.
//
// Handshake and SendMsg retry until success with no internal bound; callers
// that need bounded latency must pass a context with a deadline. GetMessages
// is the one operation with its own soft deadline.
type Session struct {
	client *Client
	creds  Credentials
	opts   SessionOptions
	log    zerolog.Logger

	// opMu serializes Handshake, GetMessages and SendMsg; the session is
	// one logical connection and its operations must not interleave.
	opMu sync.Mutex
	// stateMu guards the fields below so diagnostics can read them while
	// an operation is in flight.
	stateMu   sync.Mutex
	myID      json.Number
	lastMsgID int64
	ready     bool
}

// NewSession creates a Session in the unauthenticated state.
func NewSession(client *Client, creds Credentials, opts SessionOptions, log zerolog.Logger) *Session {
	return &Session{
		client: client,
		creds:  creds,
		opts:   opts,
		log:    log.With().Str("component", "geofs_session").Logger(),
	}
}

// MyID returns the current connection identity, or "" before handshake.
func (s *Session) MyID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.myID.String()
}

// LastMsgID returns the current message cursor.
func (s *Session) LastMsgID() int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastMsgID
}

// Ready reports whether the handshake has completed.
func (s *Session) Ready() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.ready
}

func (s *Session) state() (json.Number, int64) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.myID, s.lastMsgID
}

// envelope builds the update request body. Identity fields are real; all
// kinematic fields are neutral constants since this client does not
// simulate an aircraft.
func (s *Session) envelope(myID json.Number, msg string, cursor int64) map[string]any {
	return map[string]any{
		"origin": origin,
		"acid":   s.creds.AccountID,
		"sid":    s.creds.SessionID,
		"id":     myID.String(),
		"ac":     1,
		"co":     [6]float64{},
		"ve":     [6]float64{},
		"st":     map[string]any{"gr": 1, "as": 0},
		"ro":     map[string]any{"ad": 0},
		"ti":     time.Now().UnixMilli(),
		"m":      msg,
		"ci":     cursor,
	}
}

func (s *Session) cookies() map[string]string {
	return map[string]string{"PHPSESSID": s.creds.SessionID}
}

// Handshake bootstraps the session: the first update call obtains myID, the
// second (with that identity and cursor 0) obtains the current message
// cursor. On any failure the whole two-step cycle restarts after
// HandshakeRetryInterval, indefinitely, until ctx is cancelled. Resets both
// identity and cursor in place.
func (s *Session) Handshake(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.log.Info().Msg("Handshake begin")
	start := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var first updateResponse
		if err := s.client.Post(ctx, s.opts.UpdateURL, s.envelope("", "", 0), s.cookies(), &first); err != nil {
			s.log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Handshake identity call failed, retrying")
			if !sleepCtx(ctx, s.opts.HandshakeRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		var second updateResponse
		if err := s.client.Post(ctx, s.opts.UpdateURL, s.envelope(first.MyID, "", 0), s.cookies(), &second); err != nil {
			s.log.Warn().Err(err).Msg("Handshake cursor call failed, retrying")
			if !sleepCtx(ctx, s.opts.HandshakeRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		s.stateMu.Lock()
		s.myID = second.MyID
		s.lastMsgID = second.LastMsgID
		s.ready = true
		s.stateMu.Unlock()
		s.log.Info().
			Str("my_id", second.MyID.String()).
			Int64("last_msg_id", second.LastMsgID).
			Dur("elapsed", time.Since(start)).
			Msg("Handshake succeeded")
		return nil
	}
}

// GetMessages fetches chat messages newer than the cursor. On success the
// cursor advances monotonically (a lower server value never regresses it)
// and message text is percent-decoded. The deadline bounds the whole call,
// cutting off an in-flight request and its internal retries, not just the
// gaps between attempts; when it elapses before a fetch succeeds the
// result is ErrDeadlineExceeded.
func (s *Session) GetMessages(ctx context.Context, softDeadline time.Duration) ([]ChatMessage, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	fetchCtx, cancel := context.WithTimeout(ctx, softDeadline)
	defer cancel()
	start := time.Now()
	myID, cursor := s.state()
	s.log.Debug().Str("my_id", myID.String()).Int64("last_msg_id", cursor).Msg("Fetching messages")
	for {
		if fetchCtx.Err() != nil {
			return nil, fetchResult(ctx)
		}

		var resp updateResponse
		err := s.client.Post(fetchCtx, s.opts.UpdateURL, s.envelope(myID, "", cursor), s.cookies(), &resp)
		if err == nil {
			s.stateMu.Lock()
			s.myID = resp.MyID
			if resp.LastMsgID > s.lastMsgID {
				s.lastMsgID = resp.LastMsgID
			}
			cursor = s.lastMsgID
			s.stateMu.Unlock()
			for i := range resp.Messages {
				resp.Messages[i].Text = decodeText(resp.Messages[i].Text)
			}
			s.log.Debug().
				Int("count", len(resp.Messages)).
				Int64("last_msg_id", cursor).
				Dur("elapsed", time.Since(start)).
				Msg("Fetch succeeded")
			return resp.Messages, nil
		}

		s.log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Fetch failed, retrying")
		if !sleepCtx(fetchCtx, s.opts.FetchRetryInterval) {
			return nil, fetchResult(ctx)
		}
	}
}

// fetchResult maps a fetch-context expiry to its cause: cancellation of
// the caller's context wins, an elapsed soft deadline becomes
// ErrDeadlineExceeded.
func fetchResult(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrDeadlineExceeded
}

// SendMsg posts one chat message into the multiplayer session, retrying
// every SendRetryInterval until the server accepts it or ctx is cancelled.
// The request carries the current cursor so the send does not rewind
// server-side chat history.
func (s *Session) SendMsg(ctx context.Context, msg string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		myID, cursor := s.state()
		var resp updateResponse
		start := time.Now()
		err := s.client.Post(ctx, s.opts.UpdateURL, s.envelope(myID, msg, cursor), s.cookies(), &resp)
		if err == nil {
			s.stateMu.Lock()
			s.myID = resp.MyID
			s.stateMu.Unlock()
			s.log.Debug().Dur("elapsed", time.Since(start)).Msg("Message sent")
			return nil
		}

		s.log.Warn().Err(err).Msg("Send failed, retrying")
		if !sleepCtx(ctx, s.opts.SendRetryInterval) {
			return ctx.Err()
		}
	}
}

// decodeText undoes the server's form-style percent encoding ('+' means
// space). Undecodable text is passed through as-is.
func decodeText(text string) string {
	decoded, err := url.QueryUnescape(text)
	if err != nil {
		return text
	}
	return decoded
}
