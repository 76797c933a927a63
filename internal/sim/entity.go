package sim

import (
	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
)

// DirectiveKind is the entity-level command state derived from player
// commands.
type DirectiveKind string

const (
	DirectiveIdle         DirectiveKind = "Idle"
	DirectiveMoveTo       DirectiveKind = "MoveTo"
	DirectiveAttackMove   DirectiveKind = "AttackMove"
	DirectiveHoldPosition DirectiveKind = "HoldPosition"
)

// Directive captures what an entity is currently trying to do. AttackMove
// additionally records the tracked target for the combat layer; this core
// only resolves the movement intent.
type Directive struct {
	Kind         DirectiveKind
	Target       geom.Vec2
	TargetEntity EntityID
}

// Entity is a mobile unit owned by the simulation world. It is mutated only
// by the tick goroutine: by command fan-out at the tick boundary and by the
// movement resolver during the step.
type Entity struct {
	ID          EntityID
	Owner       string
	Pos         geom.Vec2
	Elevation   float64
	Orientation float64
	Radius      float64
	MaxSpeed    float64
	Path        nav.Path
	Directive   Directive
}

// Moving reports whether the entity still has waypoints to consume.
func (e *Entity) Moving() bool {
	return e != nil && !e.Path.Empty()
}

// SpawnSpec describes one entity in the initial spawn list consumed at match
// start.
type SpawnSpec struct {
	Owner     string    `json:"owner" msgpack:"owner"`
	Pos       geom.Vec2 `json:"pos" msgpack:"pos"`
	Elevation float64   `json:"elevation,omitempty" msgpack:"elevation,omitempty"`
	Radius    float64   `json:"radius" msgpack:"radius"`
	MaxSpeed  float64   `json:"maxSpeed" msgpack:"maxSpeed"`
}
