// Copyright 2024-2026 Aiku AI

package bifrost

import (
	_ "embed"
	"fmt"
	"time"

	"go.mau.fi/util/ptr"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// RoomsConfig maps each event kind (and the chat relay) to a destination
// Matrix room. An unset room drops that kind's events silently.
type RoomsConfig struct {
	AircraftChange string `yaml:"aircraft_change"`
	NewAccount     string `yaml:"new_account"`
	CallsignChange string `yaml:"callsign_change"`
	Teleportation  string `yaml:"teleportation"`
	ActivityChange string `yaml:"activity_change"`
	ChatLog        string `yaml:"chat_log"`
}

// DisplayConfig holds the per-kind display toggles. All default to true;
// pointers distinguish "unset" from an explicit false.
type DisplayConfig struct {
	AircraftChanges *bool `yaml:"aircraft_changes"`
	NewAccounts     *bool `yaml:"new_accounts"`
	CallsignChanges *bool `yaml:"callsign_changes"`
	Teleportations  *bool `yaml:"teleportations"`
	ActivityChanges *bool `yaml:"activity_changes"`
	Chat            *bool `yaml:"chat"`
}

// Config is the bridge configuration. Credentials (GeoFS session/account,
// Matrix access token) are deliberately absent: they come from the
// environment, never from this file.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	LogLevel      string `yaml:"log_level"`

	GeoFSUpdateURL string `yaml:"geofs_update_url"`

	Rooms   RoomsConfig   `yaml:"rooms"`
	Display DisplayConfig `yaml:"display"`

	// TrackedAccountID is the account whose transition to "online" status
	// fires a mention alert into AlertRoomID, independent of the normal
	// activity-change notification.
	TrackedAccountID string `yaml:"tracked_account_id"`
	AlertRoomID      string `yaml:"alert_room_id"`
	AlertMention     string `yaml:"alert_mention"`

	// DeveloperMXIDs may use the send command to post into GeoFS chat.
	DeveloperMXIDs []string `yaml:"developer_mxids"`

	ThrottleMS           int `yaml:"throttle_ms"`
	PollIntervalSecs     int `yaml:"poll_interval_secs"`
	FetchDeadlineSecs    int `yaml:"fetch_deadline_secs"`
	StallThresholdSecs   int `yaml:"stall_threshold_secs"`
	FailureThreshold     int `yaml:"failure_threshold"`
	HandshakeRetrySecs   int `yaml:"handshake_retry_secs"`
	SendRetrySecs        int `yaml:"send_retry_secs"`
	HeartbeatIntervalMin int `yaml:"heartbeat_interval_mins"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates the parts of the config the
// bridge cannot run without.
func (c *Config) PostProcess() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is not set")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is not set")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:5002"
	}
	if c.LogLevel == "" {
		c.LogLevel = "debug"
	}
	if c.GeoFSUpdateURL == "" {
		c.GeoFSUpdateURL = "https://mps.geo-fs.com/update"
	}
	if c.ThrottleMS <= 0 {
		c.ThrottleMS = 200
	}
	if c.PollIntervalSecs <= 0 {
		c.PollIntervalSecs = 5
	}
	if c.FetchDeadlineSecs <= 0 {
		c.FetchDeadlineSecs = 20
	}
	if c.StallThresholdSecs <= 0 {
		c.StallThresholdSecs = 600
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.HandshakeRetrySecs <= 0 {
		c.HandshakeRetrySecs = 5
	}
	if c.SendRetrySecs <= 0 {
		c.SendRetrySecs = 5
	}
	if c.HeartbeatIntervalMin <= 0 {
		c.HeartbeatIntervalMin = 5
	}
	for _, p := range []**bool{
		&c.Display.AircraftChanges,
		&c.Display.NewAccounts,
		&c.Display.CallsignChanges,
		&c.Display.Teleportations,
		&c.Display.ActivityChanges,
		&c.Display.Chat,
	} {
		if *p == nil {
			*p = ptr.Ptr(true)
		}
	}
	return nil
}

// RoomFor resolves the destination room for an event kind, honoring the
// per-kind display toggle. ok is false when the kind should be dropped.
func (c *Config) RoomFor(kind EventKind) (roomID id.RoomID, ok bool) {
	var room string
	var display *bool
	switch kind {
	case EventAircraftChange:
		room, display = c.Rooms.AircraftChange, c.Display.AircraftChanges
	case EventNewAccount:
		room, display = c.Rooms.NewAccount, c.Display.NewAccounts
	case EventCallsignChange:
		room, display = c.Rooms.CallsignChange, c.Display.CallsignChanges
	case EventTeleportation:
		room, display = c.Rooms.Teleportation, c.Display.Teleportations
	case EventActivityChange:
		room, display = c.Rooms.ActivityChange, c.Display.ActivityChanges
	default:
		return "", false
	}
	if room == "" || (display != nil && !*display) {
		return "", false
	}
	return id.RoomID(room), true
}

// ChatEnabled reports whether the chat relay should run at all.
func (c *Config) ChatEnabled() bool {
	return c.Rooms.ChatLog != "" && (c.Display.Chat == nil || *c.Display.Chat)
}

func (c *Config) ThrottleInterval() time.Duration {
	return time.Duration(c.ThrottleMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *Config) FetchDeadline() time.Duration {
	return time.Duration(c.FetchDeadlineSecs) * time.Second
}

func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSecs) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMin) * time.Minute
}
