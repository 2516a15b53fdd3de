// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Dispatcher is the single consumer of the notification queue. It drains
// tasks in arrival order, formats them, and hands the lines to the shared
// emitter. A task-level failure never terminates the loop.
type Dispatcher struct {
	queue   *Queue
	emitter *Emitter
	cfg     *Config
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given queue and emitter.
func NewDispatcher(queue *Queue, emitter *Emitter, cfg *Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		emitter: emitter,
		cfg:     cfg,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Msg("Dispatcher started")
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			d.log.Info().Msg("Dispatcher stopped")
			return
		}
		d.dispatch(ctx, task)
	}
}

// dispatch handles one task, recovering any panic so the loop survives.
func (d *Dispatcher) dispatch(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Any("panic", r).
				Str("kind", task.Kind.String()).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic while dispatching task")
		}
	}()

	if task.Kind == EventActivityChange {
		d.maybeAlert(ctx, task.Records)
	}

	roomID, ok := d.cfg.RoomFor(task.Kind)
	if !ok {
		d.log.Warn().Str("kind", task.Kind.String()).Msg("No destination configured, dropping event")
		return
	}

	lines := make([]string, 0, len(task.Records))
	for _, rec := range task.Records {
		lines = append(lines, formatRecord(task.Kind, rec))
	}
	d.emitter.SendBatch(ctx, roomID, lines)
	d.log.Debug().Str("kind", task.Kind.String()).Int("count", len(lines)).Msg("Dispatched task")
}

// maybeAlert sends the tracked-account online alert. It runs before and
// independently of the normal activity-change batch: the alert fires even
// when the activity-change room is unconfigured or toggled off.
func (d *Dispatcher) maybeAlert(ctx context.Context, records []Record) {
	if d.cfg.TrackedAccountID == "" || d.cfg.AlertRoomID == "" {
		return
	}
	for _, rec := range records {
		if rec.field("acid") != d.cfg.TrackedAccountID || rec.field("status") != "online" {
			continue
		}
		text := fmt.Sprintf("%s Tracked account %s (%s) is now online",
			d.cfg.AlertMention, d.cfg.TrackedAccountID, rec.fieldOr("callsign", "?"))
		if err := d.emitter.Send(ctx, id.RoomID(d.cfg.AlertRoomID), text); err != nil {
			d.log.Error().Err(err).Msg("Online alert failed")
		}
	}
}

// formatRecord renders one event record into a notification line.
func formatRecord(kind EventKind, rec Record) string {
	switch kind {
	case EventAircraftChange:
		return fmt.Sprintf("Aircraft Change — Callsign: %s | Old Aircraft: %s | New Aircraft: %s",
			rec.fieldOr("callsign", "?"), rec.fieldOr("oldAircraft", "?"), rec.fieldOr("newAircraft", "?"))
	case EventNewAccount:
		callsign := rec.field("callsign")
		if callsign == "" {
			callsign = "(no callsign)"
		}
		return fmt.Sprintf("New Account — Account ID: %s | Callsign: %s",
			rec.fieldOr("acid", "?"), callsign)
	case EventCallsignChange:
		return fmt.Sprintf("Callsign Change — Account ID: %s | Old Callsign: %s | New Callsign: %s",
			rec.fieldOr("acid", "?"), rec.fieldOr("oldCallsign", "?"), rec.fieldOr("newCallsign", "?"))
	case EventTeleportation:
		return fmt.Sprintf("Teleportation — Account ID: %s | Callsign: %s | From: %s | To: %s",
			rec.fieldOr("acid", "?"), rec.fieldOr("callsign", "?"), rec.fieldOr("from", "?"), rec.fieldOr("to", "?"))
	case EventActivityChange:
		return fmt.Sprintf("Activity Change — Account ID: %s | Callsign: %s | Status: %s",
			rec.fieldOr("acid", "?"), rec.fieldOr("callsign", "?"), rec.fieldOr("status", "?"))
	default:
		return fmt.Sprintf("Unknown event kind %d", kind)
	}
}

// field returns the record value as a string, normalizing the float64 that
// encoding/json produces for any JSON number. Missing values yield "".
func (r Record) field(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// fieldOr is field with a fallback for missing or empty values.
func (r Record) fieldOr(key, fallback string) string {
	if v := r.field(key); v != "" {
		return v
	}
	return fallback
}
