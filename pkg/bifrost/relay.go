// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/stable-intel/bifrost/pkg/geofs"
)

// chatSession is the slice of *geofs.Session the relay needs. Tests inject
// a scripted implementation.
type chatSession interface {
	Handshake(ctx context.Context) error
	GetMessages(ctx context.Context, softDeadline time.Duration) ([]geofs.ChatMessage, error)
	LastMsgID() int64
	MyID() string
}

// Relay polls the multiplayer session on a fixed period and forwards chat
// into the chat log room. It keeps itself alive against an unreliable
// upstream with three mechanisms:
//
//   - a busy guard bounding in-flight polls to exactly one; overlapping
//     ticks are dropped and reported once with a backlog notice;
//   - a failure-burst watchdog: three consecutive fetch deadline misses
//     force a re-handshake;
//   - a no-progress watchdog: a cursor static for over the stall threshold
//     while fetches keep succeeding forces a re-handshake, catching
//     sessions that degrade into succeeding-but-silent.
//
// All health fields are written only by the tick path; the heartbeat tick
// reads them for diagnostics and mutates nothing.
type Relay struct {
	session chatSession
	emitter *Emitter
	cfg     *Config
	log     zerolog.Logger

	chatRoom id.RoomID
	// pollInterval defaults to the configured period when unset.
	pollInterval time.Duration

	busy      atomic.Bool
	dropCount atomic.Int64
	failures  atomic.Int64
	tickSeq   atomic.Int64
	// unix millis; 0 means never
	lastSuccess      atomic.Int64
	lastCursorChange atomic.Int64
	lastCursor       atomic.Int64
}

// NewRelay creates a relay posting into the configured chat log room.
func NewRelay(session *geofs.Session, emitter *Emitter, cfg *Config, log zerolog.Logger) *Relay {
	return &Relay{
		session:      session,
		emitter:      emitter,
		cfg:          cfg,
		log:          log.With().Str("component", "chat_relay").Logger(),
		chatRoom:     id.RoomID(cfg.Rooms.ChatLog),
		pollInterval: cfg.PollInterval(),
	}
}

// Run performs the startup handshake, then ticks until ctx is cancelled.
// The startup handshake retries indefinitely; cancel ctx to bound it.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.session.Handshake(ctx); err != nil {
		return fmt.Errorf("startup handshake: %w", err)
	}
	r.seedWatchdog()

	go r.heartbeat(ctx)

	interval := r.pollInterval
	if interval <= 0 {
		interval = r.cfg.PollInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info().Int64("last_msg_id", r.session.LastMsgID()).Msg("Chat relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Chat relay stopped")
			return nil
		case <-ticker.C:
			// Each firing gets its own goroutine; a poll that outlives
			// the period must not stop later ticks from reaching the
			// busy guard and being counted as skipped.
			go r.tick(ctx)
		}
	}
}

// seedWatchdog reseeds the no-progress markers from current session state,
// called after every successful handshake.
func (r *Relay) seedWatchdog() {
	r.lastCursor.Store(r.session.LastMsgID())
	r.lastCursorChange.Store(time.Now().UnixMilli())
}

// tick runs one poll cycle. The busy flag is released on every exit path,
// including panics; the release step also flushes the backlog notice.
func (r *Relay) tick(ctx context.Context) {
	seq := r.tickSeq.Add(1)
	log := r.log.With().Int64("tick", seq).Logger()
	if !r.busy.CompareAndSwap(false, true) {
		n := r.dropCount.Add(1)
		log.Debug().Int64("drop_count", n).Msg("Tick skipped, previous poll still in flight")
		return
	}
	start := time.Now()
	defer r.finish(ctx, log, start)

	messages, err := r.session.GetMessages(ctx, r.cfg.FetchDeadline())
	switch {
	case err == nil:
		r.failures.Store(0)
		r.lastSuccess.Store(time.Now().UnixMilli())
		r.checkProgress(ctx, log)
	case errors.Is(err, geofs.ErrDeadlineExceeded):
		n := r.failures.Add(1)
		log.Warn().Int64("failures", n).Msg("Fetch deadline exceeded")
		if n >= int64(r.cfg.FailureThreshold) {
			if hsErr := r.session.Handshake(ctx); hsErr != nil {
				log.Error().Err(hsErr).Msg("Re-handshake after failure burst failed")
			} else {
				r.failures.Store(0)
				r.seedWatchdog()
				log.Info().Msg("Re-handshake after failure burst succeeded")
			}
		}
		messages = nil
	default:
		// Context cancellation; shutdown in progress.
		return
	}

	if block := formatChatBlock(messages); block != "" {
		r.emitter.SendBatch(ctx, r.chatRoom, []string{block})
	}
}

// checkProgress runs the no-progress watchdog after a successful fetch.
// One forced handshake per stall episode: a successful handshake reseeds
// the markers, a failed one leaves them for the next stall check.
func (r *Relay) checkProgress(ctx context.Context, log zerolog.Logger) {
	cursor := r.session.LastMsgID()
	now := time.Now().UnixMilli()
	if cursor != r.lastCursor.Load() {
		r.lastCursor.Store(cursor)
		r.lastCursorChange.Store(now)
		return
	}
	if now-r.lastCursorChange.Load() <= r.cfg.StallThreshold().Milliseconds() {
		return
	}
	log.Warn().Int64("last_msg_id", cursor).Msg("No chat progress past stall threshold, forcing re-handshake")
	if err := r.session.Handshake(ctx); err != nil {
		log.Error().Err(err).Msg("Re-handshake after stall failed")
		return
	}
	r.failures.Store(0)
	r.seedWatchdog()
	log.Info().Int64("last_msg_id", r.session.LastMsgID()).Msg("Re-handshake after stall succeeded")
}

// finish releases the busy flag and, if ticks were dropped meanwhile,
// sends exactly one backlog notice.
func (r *Relay) finish(ctx context.Context, log zerolog.Logger, start time.Time) {
	if p := recover(); p != nil {
		log.Error().Any("panic", p).Bytes("stack", debug.Stack()).Msg("Recovered panic in relay tick")
	}
	r.busy.Store(false)
	log.Debug().Dur("elapsed", time.Since(start)).Msg("Tick done")
	if dropped := r.dropCount.Swap(0); dropped > 0 {
		notice := fmt.Sprintf("⚠️ Chat backlog: skipped %d cycle(s). Some messages may be missing.", dropped)
		if err := r.emitter.Send(ctx, r.chatRoom, notice); err != nil {
			log.Error().Err(err).Msg("Backlog notice failed")
		}
	}
}

// heartbeat logs a state-of-the-world line on a fixed period, reading the
// health fields without mutating anything.
func (r *Relay) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.Info().
				Int64("failures", r.failures.Load()).
				Int64("drop_count", r.dropCount.Load()).
				Bool("busy", r.busy.Load()).
				Str("last_ok_age", ageString(r.lastSuccess.Load())).
				Str("last_msgid_age", ageString(r.lastCursorChange.Load())).
				Str("my_id", r.session.MyID()).
				Int64("last_msg_id", r.session.LastMsgID()).
				Msg("Heartbeat")
		}
	}
}

func ageString(unixMilli int64) string {
	if unixMilli == 0 {
		return "never"
	}
	return fmt.Sprintf("%.0fs", time.Since(time.UnixMilli(unixMilli)).Seconds())
}

// formatChatBlock renders fetched messages as one batched text block, one
// line per message. Mention parsing is suppressed by sending plain text.
func formatChatBlock(messages []geofs.ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		acid := msg.AccountID.String()
		if acid == "" {
			acid = "?"
		}
		callsign := msg.Callsign
		if callsign == "" {
			callsign = "?"
		}
		fmt.Fprintf(&b, "(%s) %s: %s\n", acid, callsign, msg.Text)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
