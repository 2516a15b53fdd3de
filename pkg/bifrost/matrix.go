// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sendCommandPrefix triggers the GeoFS chat send command in Matrix.
const sendCommandPrefix = "!geofs send "

// MatrixSender implements RoomSender over a mautrix client. Messages go out
// as plain text bodies with no formatted content, so nothing in relayed
// chat can ever ping a room.
type MatrixSender struct {
	client *mautrix.Client
	log    zerolog.Logger
}

// NewMatrixSender wraps an authenticated mautrix client.
func NewMatrixSender(client *mautrix.Client, log zerolog.Logger) *MatrixSender {
	return &MatrixSender{
		client: client,
		log:    log.With().Str("component", "matrix_sender").Logger(),
	}
}

var _ RoomSender = (*MatrixSender)(nil)

// SendText sends one plain text message to a room.
func (m *MatrixSender) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", roomID, err)
	}
	return nil
}

// geofsSender is the slice of *geofs.Session the command handler needs.
type geofsSender interface {
	SendMsg(ctx context.Context, msg string) error
}

// CommandHandler listens for the send command in Matrix and relays the
// message into GeoFS chat. This is the one path that mutates the reverse
// channel on a per-user basis, so it is gated by the developer allowlist.
type CommandHandler struct {
	client     *mautrix.Client
	session    geofsSender
	emitter    *Emitter
	developers map[id.UserID]struct{}
	startTime  time.Time
	log        zerolog.Logger
}

// NewCommandHandler creates a command handler gated by the configured
// developer MXIDs.
func NewCommandHandler(client *mautrix.Client, session geofsSender, emitter *Emitter, cfg *Config, log zerolog.Logger) *CommandHandler {
	developers := make(map[id.UserID]struct{}, len(cfg.DeveloperMXIDs))
	for _, mxid := range cfg.DeveloperMXIDs {
		developers[id.UserID(mxid)] = struct{}{}
	}
	return &CommandHandler{
		client:     client,
		session:    session,
		emitter:    emitter,
		developers: developers,
		startTime:  time.Now(),
		log:        log.With().Str("component", "commands").Logger(),
	}
}

// Attach registers the handler on the client's default syncer.
func (h *CommandHandler) Attach() {
	syncer := h.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, h.handleMessage)
}

// handleMessage filters sync events down to fresh send commands from
// other users and executes them.
func (h *CommandHandler) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == h.client.UserID {
		return
	}
	// The initial sync replays history; commands from before startup are
	// already handled or moot.
	if time.UnixMilli(evt.Timestamp).Before(h.startTime) {
		return
	}
	body := evt.Content.AsMessage().Body
	if !strings.HasPrefix(body, sendCommandPrefix) {
		return
	}

	if _, ok := h.developers[evt.Sender]; !ok {
		h.log.Warn().Str("sender", evt.Sender.String()).Msg("Send command from non-developer rejected")
		_ = h.emitter.Send(ctx, evt.RoomID, "You may not use this command.")
		return
	}

	msg := strings.TrimSpace(strings.TrimPrefix(body, sendCommandPrefix))
	if msg == "" {
		_ = h.emitter.Send(ctx, evt.RoomID, "Nothing to send.")
		return
	}

	h.log.Info().Str("sender", evt.Sender.String()).Msg("Relaying message into GeoFS chat")
	// SendMsg retries until the server accepts it; run it off the sync
	// goroutine so a slow upstream does not stall sync.
	go func() {
		if err := h.session.SendMsg(context.WithoutCancel(ctx), msg); err != nil {
			h.log.Error().Err(err).Msg("GeoFS send failed")
			_ = h.emitter.Send(context.WithoutCancel(ctx), evt.RoomID, "Send failed: "+err.Error())
			return
		}
		_ = h.emitter.Send(context.WithoutCancel(ctx), evt.RoomID, "Sent.")
	}()
}
