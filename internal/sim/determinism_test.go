package sim

import (
	"math/rand"
	"testing"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
	"github.com/Zakru/DigitalExtinction-Game/internal/nav"
)

// runScenario executes a fixed command script against a fresh engine and
// returns the snapshot after every tick. Two peers applying the same agreed
// command sets must produce identical histories.
func runScenario(seed int64) []Snapshot {
	e := NewEngine(newTestWorld(
		nav.Obstacle{ID: "rock", Rect: geom.Rect{X: 170, Y: 170, Width: 40, Height: 40}},
	), Deps{RNG: rand.New(rand.NewSource(seed))})

	spawnLine(e.World(), "alice", 8, geom.Vec2{X: 50, Y: 140}, 14)
	spawnLine(e.World(), "bob", 8, geom.Vec2{X: 350, Y: 140}, 14)

	script := map[uint64][]Command{
		1: {{
			Participant: "alice",
			Kind:        CommandMoveTo,
			Entities:    []EntityID{1, 2, 3, 4, 5, 6, 7, 8},
			MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 320, Y: 200}},
		}},
		2: {{
			Participant: "bob",
			Kind:        CommandMoveTo,
			Entities:    []EntityID{9, 10, 11, 12, 13, 14, 15, 16},
			MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 80, Y: 200}},
		}},
		40: {{
			Participant: "alice",
			Kind:        CommandStop,
			Entities:    []EntityID{1, 2},
		}},
		60: {{
			Participant: "bob",
			Kind:        CommandHoldPosition,
			Entities:    []EntityID{9},
		}},
	}

	const ticks = 120
	history := make([]Snapshot, 0, ticks)
	for tick := uint64(1); tick <= ticks; tick++ {
		if tick == 30 {
			e.World().PlaceObstacle(nav.Obstacle{ID: "wall", Rect: geom.Rect{X: 230, Y: 120, Width: 20, Height: 120}})
		}
		e.Apply(script[tick])
		e.Step(testDt)
		history = append(history, e.Snapshot())
	}
	return history
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Tick != b.Tick || len(a.Entities) != len(b.Entities) {
		return false
	}
	for i := range a.Entities {
		if a.Entities[i] != b.Entities[i] {
			return false
		}
	}
	return true
}

func TestSimulationIsDeterministicAcrossRuns(t *testing.T) {
	reference := runScenario(7)
	for run := 0; run < 3; run++ {
		history := runScenario(7)
		if len(history) != len(reference) {
			t.Fatalf("run %d produced %d ticks, want %d", run, len(history), len(reference))
		}
		for i := range history {
			if !sameSnapshot(history[i], reference[i]) {
				t.Fatalf("run %d diverged at tick %d:\n got %+v\nwant %+v",
					run, history[i].Tick, history[i].Entities, reference[i].Entities)
			}
		}
	}
}

func TestSnapshotTransformsAreExactCopies(t *testing.T) {
	e := newTestEngine()
	id := e.World().Spawn(SpawnSpec{Owner: "alice", Pos: geom.Vec2{X: 123.456, Y: 78.9}, Radius: 4, MaxSpeed: 20})
	e.Step(testDt)

	snap := e.Snapshot()
	entity, _ := e.World().Entity(id)
	if snap.Entities[0].Pos != entity.Pos {
		t.Errorf("snapshot pos %v differs from entity pos %v", snap.Entities[0].Pos, entity.Pos)
	}
	if snap.Entities[0].Owner != "alice" {
		t.Errorf("snapshot owner = %q, want alice", snap.Entities[0].Owner)
	}
}
