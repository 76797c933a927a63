package sim

import (
	"errors"
	"testing"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
)

const testDt = 0.05

func newTestEngine(obstacles ...nav.Obstacle) *Engine {
	return NewEngine(newTestWorld(obstacles...), Deps{})
}

func spawnLine(w *World, owner string, count int, origin geom.Vec2, gap float64) []EntityID {
	ids := make([]EntityID, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, w.Spawn(SpawnSpec{
			Owner:    owner,
			Pos:      geom.Vec2{X: origin.X, Y: origin.Y + float64(i)*gap},
			Radius:   4,
			MaxSpeed: 30,
		}))
	}
	return ids
}

func stepUntilIdle(e *Engine, maxSteps int) int {
	for step := 0; step < maxSteps; step++ {
		e.Step(testDt)
		moving := false
		for _, id := range e.World().EntityIDs() {
			if entity, ok := e.World().Entity(id); ok && entity.Moving() {
				moving = true
				break
			}
		}
		if !moving {
			return step + 1
		}
	}
	return maxSteps
}

func TestEngineApplyMoveToInstallsPaths(t *testing.T) {
	e := newTestEngine()
	ids := spawnLine(e.World(), "alice", 3, geom.Vec2{X: 50, Y: 180}, 12)

	err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, id := range ids {
		entity, _ := e.World().Entity(id)
		if !entity.Moving() {
			t.Errorf("entity %d has no path after MoveTo", id)
		}
		if entity.Directive.Kind != DirectiveMoveTo {
			t.Errorf("entity %d directive = %s, want %s", id, entity.Directive.Kind, DirectiveMoveTo)
		}
	}
}

func TestEngineGroupMoveAssignsDistinctSlots(t *testing.T) {
	e := newTestEngine()
	ids := spawnLine(e.World(), "alice", 12, geom.Vec2{X: 50, Y: 130}, 12)

	err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 320, Y: 200}},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	goals := make(map[geom.Vec2]EntityID)
	for _, id := range ids {
		entity, _ := e.World().Entity(id)
		if prev, dup := goals[entity.Directive.Target]; dup {
			t.Errorf("entities %d and %d share formation slot %v", prev, id, entity.Directive.Target)
		}
		goals[entity.Directive.Target] = id
	}

	stepUntilIdle(e, 1200)
	for i, first := range ids {
		e1, _ := e.World().Entity(first)
		if d := geom.Dist(e1.Pos, geom.Vec2{X: 320, Y: 200}); d > 100 {
			t.Errorf("entity %d ended %.1f from the group goal", first, d)
		}
		for _, second := range ids[i+1:] {
			e2, _ := e.World().Entity(second)
			minDist := e1.Radius + e2.Radius - OverlapTolerance
			if d := geom.Dist(e1.Pos, e2.Pos); d < minDist-1e-9 {
				t.Errorf("entities %d and %d overlap at rest: %.4f < %.4f", first, second, d, minDist)
			}
		}
	}
}

func TestEngineApplyRejectsForeignEntities(t *testing.T) {
	e := newTestEngine()
	alice := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)
	bob := spawnLine(e.World(), "bob", 1, geom.Vec2{X: 80, Y: 200}, 0)

	err := e.Apply([]Command{
		{
			Participant: "alice",
			Kind:        CommandMoveTo,
			Entities:    bob,
			MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
		},
		{
			Participant: "alice",
			Kind:        CommandMoveTo,
			Entities:    alice,
			MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
		},
	})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("Apply err = %v, want ErrInvalidCommand", err)
	}

	// The invalid command is dropped; the valid one in the same batch applies.
	bobEntity, _ := e.World().Entity(bob[0])
	if bobEntity.Moving() {
		t.Error("foreign command moved bob's entity")
	}
	aliceEntity, _ := e.World().Entity(alice[0])
	if !aliceEntity.Moving() {
		t.Error("valid command in same batch did not apply")
	}
}

func TestEngineApplyDropsCommandsForDeadEntities(t *testing.T) {
	e := newTestEngine()
	ids := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)
	e.World().Remove(ids[0])

	err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
	}})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("Apply err = %v, want ErrInvalidCommand", err)
	}
}

func TestEngineStopClearsPath(t *testing.T) {
	e := newTestEngine()
	ids := spawnLine(e.World(), "alice", 2, geom.Vec2{X: 50, Y: 190}, 12)

	if err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
	}}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	e.Step(testDt)

	if err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandStop,
		Entities:    ids,
	}}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, id := range ids {
		entity, _ := e.World().Entity(id)
		if entity.Moving() {
			t.Errorf("entity %d still moving after Stop", id)
		}
		if entity.Directive.Kind != DirectiveIdle {
			t.Errorf("entity %d directive = %s, want %s", id, entity.Directive.Kind, DirectiveIdle)
		}
	}
	pos := make(map[EntityID]geom.Vec2)
	for _, id := range ids {
		entity, _ := e.World().Entity(id)
		pos[id] = entity.Pos
	}
	e.Step(testDt)
	for _, id := range ids {
		entity, _ := e.World().Entity(id)
		if entity.Pos != pos[id] {
			t.Errorf("entity %d drifted after Stop: %v -> %v", id, pos[id], entity.Pos)
		}
	}
}

func TestEngineAttackMoveTracksTargetEntity(t *testing.T) {
	e := newTestEngine()
	attacker := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)
	target := e.World().Spawn(SpawnSpec{Owner: "bob", Pos: geom.Vec2{X: 300, Y: 240}, Radius: 4, MaxSpeed: 30})

	err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandAttackMove,
		Entities:    attacker,
		AttackMove:  &AttackMoveCommand{Target: geom.Vec2{X: 100, Y: 100}, TargetEntity: target},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	entity, _ := e.World().Entity(attacker[0])
	if entity.Directive.Kind != DirectiveAttackMove {
		t.Fatalf("directive = %s, want %s", entity.Directive.Kind, DirectiveAttackMove)
	}
	if entity.Directive.TargetEntity != target {
		t.Errorf("directive target entity = %d, want %d", entity.Directive.TargetEntity, target)
	}
	// The route aims at the tracked entity's position, not the fallback point.
	if d := geom.Dist(entity.Path.Goal, geom.Vec2{X: 300, Y: 240}); d > 20 {
		t.Errorf("path goal %v is %.1f from the tracked target", entity.Path.Goal, d)
	}
}

func TestEngineUnreachableGoalLeavesEntityIdle(t *testing.T) {
	// A box sealing the goal region.
	e := newTestEngine(
		nav.Obstacle{ID: "n", Rect: geom.Rect{X: 240, Y: 140, Width: 120, Height: 20}},
		nav.Obstacle{ID: "s", Rect: geom.Rect{X: 240, Y: 260, Width: 120, Height: 20}},
		nav.Obstacle{ID: "w", Rect: geom.Rect{X: 240, Y: 140, Width: 20, Height: 140}},
		nav.Obstacle{ID: "e", Rect: geom.Rect{X: 340, Y: 140, Width: 20, Height: 140}},
	)
	counters := telemetry.NewCounters()
	e.deps.Metrics = counters
	ids := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)

	err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	entity, _ := e.World().Entity(ids[0])
	if entity.Moving() {
		t.Error("entity received a path to an unreachable goal")
	}
	if got := counters.Value(engineUnreachableMetricKey); got != 1 {
		t.Errorf("unreachable counter = %d, want 1", got)
	}
}

func TestEngineReplansWhenObstacleBlocksRoute(t *testing.T) {
	e := newTestEngine()
	ids := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)
	goal := geom.Vec2{X: 340, Y: 200}

	if err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: goal},
	}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := 0; i < 10; i++ {
		e.Step(testDt)
	}

	// A wall drops across the straight route mid-travel.
	wall := nav.Obstacle{ID: "wall", Rect: geom.Rect{X: 190, Y: 120, Width: 20, Height: 160}}
	e.World().PlaceObstacle(wall)

	entity, _ := e.World().Entity(ids[0])
	staleGen := entity.Path.Generation
	e.Step(testDt)
	if entity.Moving() && entity.Path.Generation == staleGen {
		t.Fatalf("path generation %d not refreshed after grid rebuild to %d",
			entity.Path.Generation, e.World().Grid().Generation())
	}

	for i := 0; i < 1200 && entity.Moving(); i++ {
		e.Step(testDt)
		if geom.CircleRectOverlap(entity.Pos.X, entity.Pos.Y, entity.Radius-OverlapTolerance, wall.Rect) {
			t.Fatalf("entity at %v penetrates the new wall", entity.Pos)
		}
	}
	if entity.Moving() {
		t.Fatalf("entity never finished the replanned route; at %v", entity.Pos)
	}
	if d := geom.Dist(entity.Pos, goal); d > 20 {
		t.Errorf("entity stopped %.1f from goal after replan", d)
	}
}

func TestEngineObstacleRemovalReopensRoute(t *testing.T) {
	wall := nav.Obstacle{ID: "wall", Rect: geom.Rect{X: 190, Y: 0, Width: 20, Height: 400}}
	e := newTestEngine(wall)
	ids := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)

	err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 340, Y: 200}},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	entity, _ := e.World().Entity(ids[0])
	if entity.Moving() {
		t.Fatal("entity pathed through a full-height wall")
	}

	e.World().RemoveObstacle("wall")
	if err := e.Apply([]Command{{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 340, Y: 200}},
	}}); err != nil {
		t.Fatalf("Apply after removal: %v", err)
	}
	if !entity.Moving() {
		t.Error("route still blocked after obstacle removal")
	}
}

func TestEngineSnapshotOrderedByID(t *testing.T) {
	e := newTestEngine()
	spawnLine(e.World(), "alice", 4, geom.Vec2{X: 50, Y: 150}, 20)
	e.Step(testDt)

	snap := e.Snapshot()
	if snap.Tick != 1 {
		t.Errorf("snapshot tick = %d, want 1", snap.Tick)
	}
	if len(snap.Entities) != 4 {
		t.Fatalf("snapshot has %d entities, want 4", len(snap.Entities))
	}
	for i := 1; i < len(snap.Entities); i++ {
		if snap.Entities[i-1].ID >= snap.Entities[i].ID {
			t.Fatalf("snapshot not ordered by ID: %d before %d", snap.Entities[i-1].ID, snap.Entities[i].ID)
		}
	}
}
