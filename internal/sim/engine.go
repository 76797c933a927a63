package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
)

const (
	engineUnreachableMetricKey = "sim_path_unreachable_total"
	engineReplanMetricKey      = "sim_path_replans_total"
	engineCommandsMetricKey    = "sim_commands_applied_total"
)

// EngineCore is the surface the loop drives once per tick.
type EngineCore interface {
	Deps() Deps
	Apply(cmds []Command) error
	Step(dt float64)
	Snapshot() Snapshot
}

// Engine owns the world for one match and translates drained commands into
// entity directives and paths. All methods run on the tick goroutine.
type Engine struct {
	deps  Deps
	world *World
	tick  uint64
	// formationSpacing separates group-move slot targets.
	formationSpacing float64
}

// NewEngine constructs the simulation core for a freshly loaded world.
func NewEngine(world *World, deps Deps) *Engine {
	if world == nil {
		return nil
	}
	return &Engine{
		deps:             deps.normalized(),
		world:            world,
		formationSpacing: world.cfg.MaxRadius * 3,
	}
}

// Deps returns the injected dependencies.
func (e *Engine) Deps() Deps {
	if e == nil {
		return Deps{}
	}
	return e.deps
}

// World exposes the owned world to the hub for spawning and queries.
func (e *Engine) World() *World {
	if e == nil {
		return nil
	}
	return e.world
}

// Tick reports the last completed tick number.
func (e *Engine) Tick() uint64 {
	if e == nil {
		return 0
	}
	return e.tick
}

// Apply fans drained commands out into per-entity directives and path
// requests. Commands are already in the agreed total order for this tick. A
// command referencing an entity that died since submission is dropped with an
// error; failures never abort the remaining commands.
func (e *Engine) Apply(cmds []Command) error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, cmd := range cmds {
		var err error
		switch cmd.Kind {
		case CommandMoveTo:
			err = e.applyMoveTo(cmd)
		case CommandAttackMove:
			err = e.applyAttackMove(cmd)
		case CommandStop:
			err = e.applyStop(cmd)
		case CommandHoldPosition:
			err = e.applyHold(cmd)
		default:
			err = fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
		}
		if err != nil {
			e.deps.Logger.Printf("[command] dropped participant=%s kind=%s: %v", cmd.Participant, cmd.Kind, err)
			errs = append(errs, err)
			continue
		}
		e.deps.Metrics.Add(engineCommandsMetricKey, 1)
	}
	return errors.Join(errs...)
}

// liveEntities resolves command entity references against the current world,
// sorted by ID so group formation slots assign identically on every peer.
func (e *Engine) liveEntities(cmd Command) ([]*Entity, error) {
	ids := append([]EntityID(nil), cmd.Entities...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entities := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		entity, ok := e.world.Entity(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown entity %d", ErrInvalidCommand, id)
		}
		if cmd.Participant != "" && entity.Owner != cmd.Participant {
			return nil, fmt.Errorf("%w: entity %d not controlled by %s", ErrInvalidCommand, id, cmd.Participant)
		}
		entities = append(entities, entity)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: no entities referenced", ErrInvalidCommand)
	}
	return entities, nil
}

func (e *Engine) applyMoveTo(cmd Command) error {
	if cmd.MoveTo == nil {
		return fmt.Errorf("%w: missing MoveTo payload", ErrInvalidCommand)
	}
	entities, err := e.liveEntities(cmd)
	if err != nil {
		return err
	}
	e.routeGroup(entities, cmd.MoveTo.Target, func(slot geom.Vec2) Directive {
		return Directive{Kind: DirectiveMoveTo, Target: slot}
	})
	return nil
}

func (e *Engine) applyAttackMove(cmd Command) error {
	if cmd.AttackMove == nil {
		return fmt.Errorf("%w: missing AttackMove payload", ErrInvalidCommand)
	}
	entities, err := e.liveEntities(cmd)
	if err != nil {
		return err
	}
	target := cmd.AttackMove.Target
	if cmd.AttackMove.TargetEntity != 0 {
		if tracked, ok := e.world.Entity(cmd.AttackMove.TargetEntity); ok {
			target = tracked.Pos
		}
	}
	targetEntity := cmd.AttackMove.TargetEntity
	e.routeGroup(entities, target, func(slot geom.Vec2) Directive {
		return Directive{Kind: DirectiveAttackMove, Target: slot, TargetEntity: targetEntity}
	})
	return nil
}

func (e *Engine) applyStop(cmd Command) error {
	entities, err := e.liveEntities(cmd)
	if err != nil {
		return err
	}
	for _, entity := range entities {
		entity.Path = nav.Path{}
		entity.Directive = Directive{Kind: DirectiveIdle}
	}
	return nil
}

func (e *Engine) applyHold(cmd Command) error {
	entities, err := e.liveEntities(cmd)
	if err != nil {
		return err
	}
	for _, entity := range entities {
		entity.Path = nav.Path{}
		entity.Directive = Directive{Kind: DirectiveHoldPosition, Target: entity.Pos}
	}
	return nil
}

// routeGroup plans one batched request for the entity group and installs the
// resulting paths. Unreachable members stay idle; the rest of the group still
// moves.
func (e *Engine) routeGroup(entities []*Entity, goal geom.Vec2, directive func(slot geom.Vec2) Directive) {
	grid := e.world.Grid()
	starts := make([]geom.Vec2, len(entities))
	for i, entity := range entities {
		starts[i] = entity.Pos
	}
	paths, errs := grid.PlanGroup(nav.GroupRequest{
		Starts:  starts,
		Goal:    goal,
		Spacing: e.formationSpacing,
	})
	for i, entity := range entities {
		if errs[i] != nil {
			e.deps.Metrics.Add(engineUnreachableMetricKey, 1)
			e.deps.Logger.Printf("[path] entity=%d goal=(%.1f,%.1f) unreachable", entity.ID, goal.X, goal.Y)
			continue
		}
		entity.Path = paths[i]
		entity.Directive = directive(paths[i].Goal)
	}
}

// Step advances the world by one fixed timestep: replan stale paths against
// the current grid generation, then resolve movement.
func (e *Engine) Step(dt float64) {
	if e == nil {
		return
	}
	e.tick++
	e.replanStalePaths()
	resolveMovement(e.world, dt)
}

// replanStalePaths lazily revalidates paths planned against an older grid
// generation. Paths whose remaining route still clears the new grid adopt the
// new generation without a search; blocked ones replan toward their original
// goal, and newly unreachable goals cancel the move.
func (e *Engine) replanStalePaths() {
	grid := e.world.Grid()
	generation := grid.Generation()
	for _, id := range e.world.EntityIDs() {
		entity, ok := e.world.Entity(id)
		if !ok || !entity.Moving() || entity.Path.Generation == generation {
			continue
		}
		if e.pathStillClear(entity) {
			entity.Path = nav.Path{
				Waypoints:  entity.Path.Waypoints,
				Goal:       entity.Path.Goal,
				Generation: generation,
			}
			continue
		}
		e.deps.Metrics.Add(engineReplanMetricKey, 1)
		replanned, err := grid.FindPath(entity.Pos, entity.Path.Goal)
		if err != nil {
			e.deps.Metrics.Add(engineUnreachableMetricKey, 1)
			e.deps.Logger.Printf("[path] entity=%d replan unreachable, stopping", entity.ID)
			entity.Path = nav.Path{}
			if entity.Directive.Kind != DirectiveHoldPosition {
				entity.Directive = Directive{Kind: DirectiveIdle}
			}
			continue
		}
		entity.Path = replanned
	}
}

func (e *Engine) pathStillClear(entity *Entity) bool {
	grid := e.world.Grid()
	prev := entity.Pos
	for _, wp := range entity.Path.Waypoints {
		if !grid.SegmentClear(prev, wp) {
			return false
		}
		prev = wp
	}
	return true
}

// Snapshot publishes the current entity transforms in ID order.
func (e *Engine) Snapshot() Snapshot {
	if e == nil {
		return Snapshot{}
	}
	ids := e.world.EntityIDs()
	entities := make([]Transform, 0, len(ids))
	for _, id := range ids {
		entity, ok := e.world.Entity(id)
		if !ok {
			continue
		}
		entities = append(entities, Transform{
			ID:          entity.ID,
			Owner:       entity.Owner,
			Pos:         entity.Pos,
			Elevation:   entity.Elevation,
			Orientation: entity.Orientation,
			Moving:      entity.Moving(),
		})
	}
	return Snapshot{Tick: e.tick, Entities: entities}
}

// Ensure Engine implements EngineCore.
var _ EngineCore = (*Engine)(nil)
