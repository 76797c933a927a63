package sim

import (
	"fmt"
	"sort"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
	"github.com/Zakru/DigitalExtinction-Game/internal/spatial"
)

// WorldConfig describes the map consumed once at match start.
type WorldConfig struct {
	Width       float64
	Height      float64
	NavCellSize float64
	// MaxRadius is the largest unit footprint; it sizes spatial index cells
	// and the navigation clearance.
	MaxRadius float64
	Obstacles []nav.Obstacle
	Spawns    []SpawnSpec
}

// DefaultWorldConfig returns the map parameters used outside of tests.
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Width:       2048,
		Height:      2048,
		NavCellSize: 16,
		MaxRadius:   8,
	}
}

// World owns all entity state, the navigation grid, and the spatial index.
// It is constructed at match start and torn down at match end; nothing here
// is process-global.
type World struct {
	cfg      WorldConfig
	grid     *nav.Grid
	index    *spatial.Index
	entities map[EntityID]*Entity
	order    []EntityID
	nextID   EntityID
}

// NewWorld rasterizes the navigation grid and spawns the initial entity list.
func NewWorld(cfg WorldConfig) *World {
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = 8
	}
	if cfg.NavCellSize <= 0 {
		cfg.NavCellSize = cfg.MaxRadius * 2
	}
	w := &World{
		cfg: cfg,
		grid: nav.NewGrid(nav.GridConfig{
			Width:     cfg.Width,
			Height:    cfg.Height,
			CellSize:  cfg.NavCellSize,
			Clearance: cfg.MaxRadius,
		}, cfg.Obstacles),
		index:    spatial.NewIndex(cfg.MaxRadius * 2),
		entities: make(map[EntityID]*Entity),
	}
	for _, spec := range cfg.Spawns {
		w.Spawn(spec)
	}
	return w
}

// Grid returns the live navigation grid.
func (w *World) Grid() *nav.Grid {
	if w == nil {
		return nil
	}
	return w.grid
}

// Index returns the entity spatial index.
func (w *World) Index() *spatial.Index {
	if w == nil {
		return nil
	}
	return w.index
}

// Spawn creates an entity and registers it in the spatial index.
func (w *World) Spawn(spec SpawnSpec) EntityID {
	if w == nil {
		return 0
	}
	w.nextID++
	id := w.nextID
	radius := spec.Radius
	if radius <= 0 {
		radius = w.cfg.MaxRadius
	}
	entity := &Entity{
		ID:        id,
		Owner:     spec.Owner,
		Pos:       w.grid.ClampToBounds(spec.Pos),
		Elevation: spec.Elevation,
		Radius:    radius,
		MaxSpeed:  spec.MaxSpeed,
		Directive: Directive{Kind: DirectiveIdle},
	}
	w.entities[id] = entity
	w.order = append(w.order, id)
	w.index.Upsert(uint64(id), entity.Pos)
	return id
}

// Remove destroys an entity and drops it from the spatial index.
func (w *World) Remove(id EntityID) {
	if w == nil {
		return
	}
	if _, ok := w.entities[id]; !ok {
		return
	}
	delete(w.entities, id)
	for i, existing := range w.order {
		if existing == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.index.Remove(uint64(id))
}

// Entity returns the entity with the given id.
func (w *World) Entity(id EntityID) (*Entity, bool) {
	if w == nil {
		return nil, false
	}
	e, ok := w.entities[id]
	return e, ok
}

// Len reports the number of live entities.
func (w *World) Len() int {
	if w == nil {
		return 0
	}
	return len(w.entities)
}

// EntityIDs returns live entity identifiers in ascending order. Movement and
// snapshotting iterate this slice so peers process entities identically.
func (w *World) EntityIDs() []EntityID {
	if w == nil {
		return nil
	}
	if !sort.SliceIsSorted(w.order, func(i, j int) bool { return w.order[i] < w.order[j] }) {
		sort.Slice(w.order, func(i, j int) bool { return w.order[i] < w.order[j] })
	}
	return w.order
}

// ValidateCommand implements CommandValidator: every referenced entity must
// exist and belong to the issuing participant.
func (w *World) ValidateCommand(cmd Command) error {
	if w == nil {
		return ErrInvalidCommand
	}
	if len(cmd.Entities) == 0 {
		return fmt.Errorf("%w: no entities referenced", ErrInvalidCommand)
	}
	for _, id := range cmd.Entities {
		entity, ok := w.entities[id]
		if !ok {
			return fmt.Errorf("%w: unknown entity %d", ErrInvalidCommand, id)
		}
		if cmd.Participant != "" && entity.Owner != cmd.Participant {
			return fmt.Errorf("%w: entity %d not controlled by %s", ErrInvalidCommand, id, cmd.Participant)
		}
	}
	return nil
}

// PlaceObstacle adds a static obstacle and swaps in a freshly built grid.
// The swap happens wholesale at a tick boundary so no pathfinding query ever
// observes a grid mid-rebuild; existing paths detect staleness through the
// generation counter.
func (w *World) PlaceObstacle(obs nav.Obstacle) {
	if w == nil {
		return
	}
	obstacles := append(append([]nav.Obstacle(nil), w.grid.Obstacles()...), obs)
	w.grid = w.grid.Rebuild(obstacles)
}

// RemoveObstacle deletes the obstacle with the given id, rebuilding the grid
// when it was present.
func (w *World) RemoveObstacle(id string) {
	if w == nil {
		return
	}
	current := w.grid.Obstacles()
	obstacles := make([]nav.Obstacle, 0, len(current))
	for _, obs := range current {
		if obs.ID != id {
			obstacles = append(obstacles, obs)
		}
	}
	if len(obstacles) == len(current) {
		return
	}
	w.grid = w.grid.Rebuild(obstacles)
}

// CommitPosition moves an entity and keeps the spatial index consistent.
func (w *World) CommitPosition(id EntityID, pos geom.Vec2) {
	if w == nil {
		return
	}
	entity, ok := w.entities[id]
	if !ok {
		return
	}
	entity.Pos = pos
	w.index.Upsert(uint64(id), pos)
}
