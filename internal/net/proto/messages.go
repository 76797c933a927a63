package proto

import (
	"time"

	"github.com/Zakru/DigitalExtinction-Game/internal/lockstep"
	"github.com/Zakru/DigitalExtinction-Game/internal/sim"
)

// ProtocolVersion is bumped on any incompatible wire change. Peers with a
// different version are rejected at join time.
const ProtocolVersion = 1

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeJoinAck      MessageType = "join_ack"
	TypeCommandSet   MessageType = "command_set"
	TypeConfirm      MessageType = "confirm"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeState        MessageType = "state"
	TypeMatchEvent   MessageType = "match_event"
	TypeError        MessageType = "error"
)

// Join requests participation in the match.
type Join struct {
	Participant string `json:"participant" msgpack:"participant"`
}

// JoinAck confirms a join and carries the full state needed to render the
// match from scratch.
type JoinAck struct {
	Participant  string       `json:"participant" msgpack:"participant"`
	Participants []string     `json:"participants" msgpack:"participants"`
	TickRate     int          `json:"tickRate" msgpack:"tickRate"`
	Delay        uint64       `json:"delay" msgpack:"delay"`
	Snapshot     sim.Snapshot `json:"snapshot" msgpack:"snapshot"`
}

// CommandSet finalizes a participant's commands for one future tick. An
// empty Commands slice is still sent every tick; the receiving session needs
// the finalization to release its barrier.
type CommandSet struct {
	Participant string        `json:"participant" msgpack:"participant"`
	Tick        uint64        `json:"tick" msgpack:"tick"`
	Commands    []sim.Command `json:"commands" msgpack:"commands"`
}

// Confirm acknowledges received reliable envelopes by package ID.
type Confirm struct {
	IDs []lockstep.PackageID `json:"ids" msgpack:"ids"`
}

// Heartbeat probes the connection; the ack mirrors SentAt so the sender can
// compute round-trip time without synchronized clocks.
type Heartbeat struct {
	SentAt time.Time `json:"sentAt" msgpack:"sentAt"`
}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	SentAt time.Time `json:"sentAt" msgpack:"sentAt"`
}

// State broadcasts the post-tick snapshot to spectating clients.
type State struct {
	Snapshot sim.Snapshot `json:"snapshot" msgpack:"snapshot"`
}

// MatchEventKind enumerates lifecycle transitions broadcast to participants.
type MatchEventKind string

const (
	MatchStarted    MatchEventKind = "started"
	MatchPaused     MatchEventKind = "paused"
	MatchResumed    MatchEventKind = "resumed"
	MatchTerminated MatchEventKind = "terminated"
)

// MatchEvent announces a lifecycle transition.
type MatchEvent struct {
	Kind   MatchEventKind `json:"kind" msgpack:"kind"`
	Tick   uint64         `json:"tick" msgpack:"tick"`
	Reason string         `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// Error codes sent to clients. The connection closes after a fatal error.
const (
	CodeVersionMismatch  = "version_mismatch"
	CodeNotParticipant   = "not_participant"
	CodeAlreadyJoined    = "already_joined"
	CodeInvalidCommand   = "invalid_command"
	CodeQueueFull        = "queue_full"
	CodeMalformedMessage = "malformed_message"
	CodeDesync           = "desync"
)

// ErrorMsg reports a rejected message or a fatal session condition.
type ErrorMsg struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Fatal   bool   `json:"fatal,omitempty" msgpack:"fatal,omitempty"`
}
