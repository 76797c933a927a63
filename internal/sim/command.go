package sim

import (
	"errors"
	"time"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
)

// EntityID identifies a simulated entity. IDs are assigned in spawn order and
// never reused within a match.
type EntityID uint64

// CommandKind enumerates the supported player commands. The set is closed;
// the engine dispatches with one handler per kind.
type CommandKind string

const (
	CommandMoveTo       CommandKind = "MoveTo"
	CommandAttackMove   CommandKind = "AttackMove"
	CommandStop         CommandKind = "Stop"
	CommandHoldPosition CommandKind = "HoldPosition"
)

// MoveToCommand orders the referenced entities toward a shared destination.
type MoveToCommand struct {
	Target geom.Vec2 `json:"target" msgpack:"target"`
}

// AttackMoveCommand moves toward a target while recording attack intent for
// the combat layer. Only the movement intent is resolved here.
type AttackMoveCommand struct {
	Target       geom.Vec2 `json:"target" msgpack:"target"`
	TargetEntity EntityID  `json:"targetEntity,omitempty" msgpack:"targetEntity,omitempty"`
}

// Command is a player intent captured for processing at a tick boundary.
// Exactly one payload pointer matching Kind is set.
type Command struct {
	Seq         uint64             `json:"seq" msgpack:"seq"`
	Tick        uint64             `json:"tick" msgpack:"tick"`
	Participant string             `json:"participant" msgpack:"participant"`
	Kind        CommandKind        `json:"kind" msgpack:"kind"`
	Entities    []EntityID         `json:"entities" msgpack:"entities"`
	IssuedAt    time.Time          `json:"issuedAt" msgpack:"issuedAt"`
	MoveTo      *MoveToCommand     `json:"moveTo,omitempty" msgpack:"moveTo,omitempty"`
	AttackMove  *AttackMoveCommand `json:"attackMove,omitempty" msgpack:"attackMove,omitempty"`
}

var (
	// ErrInvalidCommand reports a command referencing an unknown entity or
	// one the issuing participant does not control. The command is dropped
	// and the simulation continues.
	ErrInvalidCommand = errors.New("sim: invalid command")
	// ErrQueueFull reports that the command buffer rejected a submission.
	ErrQueueFull = errors.New("sim: command queue full")
)
