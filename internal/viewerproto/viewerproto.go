// Package viewerproto defines the boundary-only message types exchanged
// with external viewer/agent clients over gossip (component L's outward
// face). These types carry no logic: they are the wire shapes a viewer or
// prompted agent connects with.
package viewerproto

import (
	"fmt"

	"agent-world/internal/world/types"
)

// Hello is the first message a viewer sends on connect.
type Hello struct {
	ClientID   string `json:"client_id"`
	ProtoVersion string `json:"proto_version"`
}

// Subscribe asks the server to start streaming a world's events/metrics.
type Subscribe struct {
	WorldID string   `json:"world_id"`
	Topics  []string `json:"topics"`
}

// Snapshot is a full world-state push, sent on subscribe and periodically
// thereafter as a resync point.
type Snapshot struct {
	WorldID   string `json:"world_id"`
	Height    uint64 `json:"height"`
	StateRoot string `json:"state_root"`
	Body      []byte `json:"body"` // canonical CBOR of world.State
}

// Event relays one committed types.Event to subscribed viewers.
type Event struct {
	WorldID string      `json:"world_id"`
	Height  uint64      `json:"height"`
	Payload types.Event `json:"payload"`
}

// DecisionTrace carries an agent's reasoning trace alongside the action it
// submitted, for observability tooling (not consumed by consensus).
type DecisionTrace struct {
	WorldID  string `json:"world_id"`
	ActionID string `json:"action_id"`
	AgentID  string `json:"agent_id"`
	Trace    string `json:"trace"`
}

// Metrics is a periodic scalar metrics push (mirrors the Prometheus
// gauges in internal/metrics, reshaped for a non-Prometheus viewer).
type Metrics struct {
	WorldID         string  `json:"world_id"`
	MempoolSize     float64 `json:"mempool_size"`
	CommittedHeight float64 `json:"committed_height"`
	NetworkHeight   float64 `json:"network_height"`
}

// PromptControlStart asks the server to begin routing a named agent's
// decisions through an external prompting client instead of its built-in
// policy.
type PromptControlStart struct {
	WorldID string `json:"world_id"`
	AgentID string `json:"agent_id"`
}

// PromptControlStop releases prompt control of an agent back to its
// built-in policy.
type PromptControlStop struct {
	WorldID string `json:"world_id"`
	AgentID string `json:"agent_id"`
}

// AgentChatMessage carries free-form chat text attributed to an agent, for
// viewers rendering an in-world chat log.
type AgentChatMessage struct {
	WorldID string `json:"world_id"`
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
	AtMs    int64  `json:"at_ms"`
}

// PlaybackCommand enumerates the stream-control verbs a viewer may send.
type PlaybackCommand string

const (
	CommandPlay  PlaybackCommand = "Play"
	CommandPause PlaybackCommand = "Pause"
	CommandStep  PlaybackCommand = "Step"
	CommandSeek  PlaybackCommand = "Seek"
)

// PlaybackControl is a viewer's stream-control request. SeekHeight is only
// meaningful with CommandSeek.
type PlaybackControl struct {
	WorldID    string          `json:"world_id"`
	Command    PlaybackCommand `json:"command"`
	SeekHeight uint64          `json:"seek_height,omitempty"`
}

// ControlMode distinguishes a live event stream from a recorded playback.
type ControlMode string

const (
	ModeLive     ControlMode = "live"
	ModePlayback ControlMode = "playback"
)

// ControlGate enforces which playback commands a stream mode accepts: a
// live stream cannot be sought, while a recorded playback accepts all of
// Play/Pause/Step/Seek.
type ControlGate struct {
	Mode ControlMode
}

// Allow reports whether cmd is acceptable in the gate's mode.
func (g ControlGate) Allow(cmd PlaybackCommand) error {
	switch cmd {
	case CommandPlay, CommandPause, CommandStep:
	case CommandSeek:
		if g.Mode == ModeLive {
			return fmt.Errorf("viewerproto: Seek is not accepted on a live stream")
		}
	default:
		return fmt.Errorf("viewerproto: unknown playback command %q", cmd)
	}
	return nil
}
