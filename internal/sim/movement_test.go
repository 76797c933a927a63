package sim

import (
	"math"
	"testing"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
)

func newTestWorld(obstacles ...nav.Obstacle) *World {
	return NewWorld(WorldConfig{
		Width:       400,
		Height:      400,
		NavCellSize: 10,
		MaxRadius:   4,
		Obstacles:   obstacles,
	})
}

func installPath(t *testing.T, w *World, id EntityID, goal geom.Vec2) {
	t.Helper()
	entity, ok := w.Entity(id)
	if !ok {
		t.Fatalf("entity %d missing", id)
	}
	path, err := w.Grid().FindPath(entity.Pos, goal)
	if err != nil {
		t.Fatalf("FindPath(%v, %v): %v", entity.Pos, goal, err)
	}
	entity.Path = path
	entity.Directive = Directive{Kind: DirectiveMoveTo, Target: path.Goal}
}

func TestResolveMovementAdvancesAlongPath(t *testing.T) {
	w := newTestWorld()
	id := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 50, Y: 200}, Radius: 4, MaxSpeed: 20})
	goal := geom.Vec2{X: 150, Y: 200}
	installPath(t, w, id, goal)

	entity, _ := w.Entity(id)
	start := entity.Pos
	resolveMovement(w, 0.05)

	moved := geom.Dist(start, entity.Pos)
	if moved == 0 {
		t.Fatal("entity did not move")
	}
	// One step at MaxSpeed covers at most speed*dt.
	if moved > 20*0.05+1e-9 {
		t.Errorf("moved %.4f in one step, exceeds speed budget %.4f", moved, 20*0.05)
	}
	if geom.Dist(entity.Pos, goal) >= geom.Dist(start, goal) {
		t.Errorf("step did not reduce distance to goal: %.2f -> %.2f",
			geom.Dist(start, goal), geom.Dist(entity.Pos, goal))
	}
}

func TestResolveMovementReachesGoalAndGoesIdle(t *testing.T) {
	w := newTestWorld()
	id := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 50, Y: 200}, Radius: 4, MaxSpeed: 40})
	goal := geom.Vec2{X: 150, Y: 200}
	installPath(t, w, id, goal)

	entity, _ := w.Entity(id)
	for i := 0; i < 400 && entity.Moving(); i++ {
		resolveMovement(w, 0.05)
	}
	if entity.Moving() {
		t.Fatalf("entity never consumed its path; at %v, goal %v", entity.Pos, goal)
	}
	if entity.Directive.Kind != DirectiveIdle {
		t.Errorf("directive after arrival = %s, want %s", entity.Directive.Kind, DirectiveIdle)
	}
	if d := geom.Dist(entity.Pos, goal); d > entity.Radius*2 {
		t.Errorf("stopped %.2f from goal, want within %.2f", d, entity.Radius*2)
	}
}

func TestResolveMovementHoldPositionKeepsDirective(t *testing.T) {
	w := newTestWorld()
	id := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 50, Y: 200}, Radius: 4, MaxSpeed: 40})
	entity, _ := w.Entity(id)
	entity.Path = nav.Path{
		Waypoints:  []geom.Vec2{{X: 60, Y: 200}},
		Goal:       geom.Vec2{X: 60, Y: 200},
		Generation: w.Grid().Generation(),
	}
	entity.Directive = Directive{Kind: DirectiveHoldPosition, Target: geom.Vec2{X: 60, Y: 200}}

	for i := 0; i < 100 && entity.Moving(); i++ {
		resolveMovement(w, 0.05)
	}
	if entity.Directive.Kind != DirectiveHoldPosition {
		t.Errorf("directive = %s, want %s retained after path completes", entity.Directive.Kind, DirectiveHoldPosition)
	}
}

func TestResolveMovementNeverEntersObstacle(t *testing.T) {
	obstacle := nav.Obstacle{ID: "wall", Rect: geom.Rect{X: 180, Y: 100, Width: 20, Height: 200}}
	w := newTestWorld(obstacle)
	id := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 100, Y: 200}, Radius: 4, MaxSpeed: 30})
	entity, _ := w.Entity(id)
	// Force a straight path through the wall; the collision pass must clamp.
	entity.Path = nav.Path{
		Waypoints:  []geom.Vec2{{X: 300, Y: 200}},
		Goal:       geom.Vec2{X: 300, Y: 200},
		Generation: w.Grid().Generation(),
	}
	entity.Directive = Directive{Kind: DirectiveMoveTo, Target: geom.Vec2{X: 300, Y: 200}}

	for i := 0; i < 200; i++ {
		resolveMovement(w, 0.05)
		if geom.CircleRectOverlap(entity.Pos.X, entity.Pos.Y, entity.Radius-OverlapTolerance, obstacle.Rect) {
			t.Fatalf("step %d: entity footprint at %v penetrates obstacle", i, entity.Pos)
		}
	}
	// Clamped against the left face of the wall.
	if entity.Pos.X > obstacle.X-entity.Radius+OverlapTolerance {
		t.Errorf("entity X = %.2f, want clamped at %.2f", entity.Pos.X, obstacle.X-entity.Radius)
	}
}

func TestSeparateEntitiesEnforcesNonOverlap(t *testing.T) {
	w := newTestWorld()
	a := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 200, Y: 200}, Radius: 4, MaxSpeed: 20})
	b := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 202, Y: 200}, Radius: 4, MaxSpeed: 20})
	c := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 200, Y: 200}, Radius: 4, MaxSpeed: 20})

	for i := 0; i < 10; i++ {
		resolveMovement(w, 0.05)
	}

	entities := []EntityID{a, b, c}
	for i, first := range entities {
		for _, second := range entities[i+1:] {
			e1, _ := w.Entity(first)
			e2, _ := w.Entity(second)
			minDist := e1.Radius + e2.Radius - OverlapTolerance
			if d := geom.Dist(e1.Pos, e2.Pos); d < minDist-1e-9 {
				t.Errorf("entities %d and %d overlap: dist %.4f < %.4f", first, second, d, minDist)
			}
		}
	}
}

func TestCrowdConvergesWithoutOverlap(t *testing.T) {
	w := newTestWorld()
	goal := geom.Vec2{X: 300, Y: 200}
	var ids []EntityID
	for i := 0; i < 6; i++ {
		pos := geom.Vec2{X: 60, Y: 170 + float64(i)*12}
		id := w.Spawn(SpawnSpec{Owner: "alice", Pos: pos, Radius: 4, MaxSpeed: 30})
		installPath(t, w, id, geom.Vec2{X: goal.X, Y: goal.Y + float64(i-3)*10})
		ids = append(ids, id)
	}

	for step := 0; step < 600; step++ {
		resolveMovement(w, 0.05)
		anyMoving := false
		for _, id := range ids {
			if e, _ := w.Entity(id); e.Moving() {
				anyMoving = true
			}
		}
		if !anyMoving {
			break
		}
	}

	for i, first := range ids {
		e1, _ := w.Entity(first)
		if d := geom.Dist(e1.Pos, goal); d > 80 {
			t.Errorf("entity %d ended %.1f from the goal region", first, d)
		}
		for _, second := range ids[i+1:] {
			e2, _ := w.Entity(second)
			minDist := e1.Radius + e2.Radius - OverlapTolerance
			if d := geom.Dist(e1.Pos, e2.Pos); d < minDist-1e-9 {
				t.Errorf("entities %d and %d overlap after convergence: %.4f < %.4f", first, second, d, minDist)
			}
		}
	}
}

func TestResolveMovementUpdatesOrientation(t *testing.T) {
	w := newTestWorld()
	id := w.Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 100, Y: 100}, Radius: 4, MaxSpeed: 20})
	entity, _ := w.Entity(id)
	entity.Path = nav.Path{
		Waypoints:  []geom.Vec2{{X: 100, Y: 200}},
		Goal:       geom.Vec2{X: 100, Y: 200},
		Generation: w.Grid().Generation(),
	}
	entity.Directive = Directive{Kind: DirectiveMoveTo}

	resolveMovement(w, 0.05)
	if math.Abs(entity.Orientation-math.Pi/2) > 1e-6 {
		t.Errorf("orientation = %.4f, want %.4f (facing +Y)", entity.Orientation, math.Pi/2)
	}
}
