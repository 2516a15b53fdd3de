// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// RoomSender delivers one text message to a Matrix room. The production
// implementation is MatrixSender; tests inject a mock.
type RoomSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) error
}

// Emitter owns the process-wide send lock. Every outbound message — queue
// notifications, relayed chat, skip notices, command replies — goes through
// one Emitter so no two sends race and the upstream rate limit is
// respected.
type Emitter struct {
	sender RoomSender
	delay  time.Duration
	log    zerolog.Logger

	mu       sync.Mutex
	lastSend time.Time
}

// NewEmitter creates an Emitter enforcing the given inter-message delay.
func NewEmitter(sender RoomSender, delay time.Duration, log zerolog.Logger) *Emitter {
	return &Emitter{
		sender: sender,
		delay:  delay,
		log:    log.With().Str("component", "emitter").Logger(),
	}
}

// SendBatch delivers items to roomID one at a time under the send lock.
// A failed item is logged and skipped; the rest of the batch still goes
// out.
func (e *Emitter) SendBatch(ctx context.Context, roomID id.RoomID, items []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range items {
		if !e.throttle(ctx) {
			return
		}
		if err := e.sender.SendText(ctx, roomID, item); err != nil {
			e.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Send failed, skipping item")
		}
	}
}

// Send delivers a single message under the send lock.
func (e *Emitter) Send(ctx context.Context, roomID id.RoomID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.throttle(ctx) {
		return ctx.Err()
	}
	err := e.sender.SendText(ctx, roomID, text)
	if err != nil {
		e.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Send failed")
	}
	return err
}

// throttle pauses until the configured delay has passed since the previous
// send, then stamps the send time. The gap holds between any two sends in
// the process, not just within one batch. Must hold mu. Returns false if
// ctx was cancelled during the pause.
func (e *Emitter) throttle(ctx context.Context) bool {
	if wait := e.delay - time.Since(e.lastSend); wait > 0 {
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
	e.lastSend = time.Now()
	return true
}

// sleepCtx sleeps for d unless ctx is cancelled first.
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
