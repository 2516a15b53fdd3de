// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"context"
	"errors"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// sentMessage records one delivery attempt made through a mockSender.
type sentMessage struct {
	RoomID id.RoomID
	Text   string
	At     time.Time
}

// mockSender captures outbound messages for test assertions. FailTexts
// makes specific messages fail once matched.
type mockSender struct {
	mu        sync.Mutex
	sent      []sentMessage
	FailTexts map[string]bool
}

func newMockSender() *mockSender {
	return &mockSender{FailTexts: make(map[string]bool)}
}

func (m *mockSender) SendText(_ context.Context, roomID id.RoomID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{RoomID: roomID, Text: text, At: time.Now()})
	if m.FailTexts[text] {
		return errors.New("simulated send failure")
	}
	return nil
}

func (m *mockSender) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.sent))
	copy(cp, m.sent)
	return cp
}

// testConfig returns a fully wired config with every destination set and
// fast timing, ready to be tweaked per test.
func testConfig() *Config {
	cfg := &Config{
		HomeserverURL: "https://matrix.example.test",
		UserID:        "@bifrost:example.test",
		Rooms: RoomsConfig{
			AircraftChange: "!aircraft:example.test",
			NewAccount:     "!accounts:example.test",
			CallsignChange: "!callsigns:example.test",
			Teleportation:  "!teleport:example.test",
			ActivityChange: "!activity:example.test",
			ChatLog:        "!chat:example.test",
		},
		TrackedAccountID: "999",
		AlertRoomID:      "!alerts:example.test",
		AlertMention:     "@oncall:example.test",
		ThrottleMS:       1,
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}
