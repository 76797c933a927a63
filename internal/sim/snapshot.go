package sim

import "github.com/Zakru/DigitalExtinction-Game/internal/geom"

// Transform is the published per-entity pose consumed by the presentation
// layer after each tick.
type Transform struct {
	ID          EntityID  `json:"id" msgpack:"id"`
	Owner       string    `json:"owner" msgpack:"owner"`
	Pos         geom.Vec2 `json:"pos" msgpack:"pos"`
	Elevation   float64   `json:"elevation,omitempty" msgpack:"elevation,omitempty"`
	Orientation float64   `json:"orientation" msgpack:"orientation"`
	Moving      bool      `json:"moving,omitempty" msgpack:"moving,omitempty"`
}

// Snapshot is the immutable per-tick view of entity transforms, ordered by
// entity ID.
type Snapshot struct {
	Tick     uint64      `json:"tick" msgpack:"tick"`
	Entities []Transform `json:"entities" msgpack:"entities"`
}
