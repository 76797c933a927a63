package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/Zakru/DigitalExtinction-Game/internal/geom"
)

type scriptedSource struct {
	commands map[uint64][]Command
	err      error
	failAt   uint64
}

func (s *scriptedSource) Collect(tick uint64) ([]Command, error) {
	if s.failAt != 0 && tick >= s.failAt {
		return nil, s.err
	}
	return s.commands[tick], nil
}

func newTestLoop(source CommandSource, hooks LoopHooks) (*Loop, *Engine) {
	e := newTestEngine()
	return NewLoop(e, source, LoopConfig{TickRate: 20, CatchupMaxTicks: 4}, hooks), e
}

func TestLoopLifecycleTransitions(t *testing.T) {
	l, _ := newTestLoop(&scriptedSource{}, LoopHooks{})
	if got := l.State(); got != StateIdle {
		t.Fatalf("initial state = %s, want %s", got, StateIdle)
	}
	if err := l.Pause(); !errors.Is(err, ErrLoopState) {
		t.Errorf("Pause from idle: err = %v, want ErrLoopState", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(); !errors.Is(err, ErrLoopState) {
		t.Errorf("second Start: err = %v, want ErrLoopState", err)
	}
	if err := l.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := l.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	l.Terminate()
	if got := l.State(); got != StateTerminated {
		t.Errorf("state after Terminate = %s, want %s", got, StateTerminated)
	}
	if err := l.Resume(); !errors.Is(err, ErrLoopState) {
		t.Errorf("Resume after Terminate: err = %v, want ErrLoopState", err)
	}
}

func TestLoopAdvanceAppliesQueuedCommands(t *testing.T) {
	e := newTestEngine()
	ids := spawnLine(e.World(), "alice", 1, geom.Vec2{X: 50, Y: 200}, 0)
	q := NewQueue(QueueConfig{Capacity: 8}, e.World(), nil)
	l := NewLoop(e, QueueSource{Queue: q}, LoopConfig{TickRate: 20}, LoopHooks{})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Submit(Command{
		Participant: "alice",
		Kind:        CommandMoveTo,
		Entities:    ids,
		MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := l.Advance(LoopTickContext{Tick: 1, Now: time.Now(), Delta: testDt})
	if result.Err != nil {
		t.Fatalf("Advance: %v", result.Err)
	}
	if len(result.Commands) != 1 {
		t.Fatalf("result carries %d commands, want 1", len(result.Commands))
	}
	if result.Snapshot.Tick != 1 {
		t.Errorf("snapshot tick = %d, want 1", result.Snapshot.Tick)
	}
	entity, _ := e.World().Entity(ids[0])
	if !entity.Moving() {
		t.Error("queued command did not reach the engine")
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d commands left", q.Len())
	}
}

func TestLoopAdvanceRejectedWhenNotRunning(t *testing.T) {
	l, _ := newTestLoop(&scriptedSource{}, LoopHooks{})
	result := l.Advance(LoopTickContext{Tick: 1, Now: time.Now(), Delta: testDt})
	if !errors.Is(result.Err, ErrLoopState) {
		t.Fatalf("Advance before Start: err = %v, want ErrLoopState", result.Err)
	}
}

func TestLoopSourceFailureTerminates(t *testing.T) {
	desync := errors.New("peer confirmation timed out")
	l, _ := newTestLoop(&scriptedSource{failAt: 3, err: desync}, LoopHooks{})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for tick := uint64(1); tick <= 2; tick++ {
		if result := l.Advance(LoopTickContext{Tick: tick, Delta: testDt}); result.Err != nil {
			t.Fatalf("tick %d: %v", tick, result.Err)
		}
	}
	result := l.Advance(LoopTickContext{Tick: 3, Delta: testDt})
	if !errors.Is(result.Err, desync) {
		t.Fatalf("tick 3: err = %v, want the source failure", result.Err)
	}
	if got := l.State(); got != StateTerminated {
		t.Errorf("state after source failure = %s, want %s", got, StateTerminated)
	}
}

func TestLoopInvalidCommandDoesNotTerminate(t *testing.T) {
	source := &scriptedSource{commands: map[uint64][]Command{
		1: {{
			Participant: "alice",
			Kind:        CommandMoveTo,
			Entities:    []EntityID{999},
			MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 300, Y: 200}},
		}},
	}}
	l, _ := newTestLoop(source, LoopHooks{})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result := l.Advance(LoopTickContext{Tick: 1, Delta: testDt})
	if !errors.Is(result.Err, ErrInvalidCommand) {
		t.Fatalf("err = %v, want ErrInvalidCommand", result.Err)
	}
	if got := l.State(); got != StateRunning {
		t.Errorf("state after dropped command = %s, want %s", got, StateRunning)
	}
}

func TestLoopHooksObserveEachStep(t *testing.T) {
	var prepared, stepped []uint64
	hooks := LoopHooks{
		Prepare:   func(ctx LoopTickContext) { prepared = append(prepared, ctx.Tick) },
		AfterStep: func(res LoopStepResult) { stepped = append(stepped, res.Tick) },
	}
	l, _ := newTestLoop(&scriptedSource{}, hooks)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for tick := uint64(1); tick <= 3; tick++ {
		result := l.Advance(LoopTickContext{Tick: tick, Delta: testDt})
		if result.Err != nil {
			t.Fatalf("tick %d: %v", tick, result.Err)
		}
		if hooks.AfterStep != nil {
			hooks.AfterStep(result)
		}
	}
	if len(prepared) != 3 || len(stepped) != 3 {
		t.Fatalf("hooks saw prepare=%d afterStep=%d, want 3 each", len(prepared), len(stepped))
	}
	for i := range prepared {
		if prepared[i] != uint64(i+1) || stepped[i] != uint64(i+1) {
			t.Fatalf("hook tick order wrong: prepare=%v afterStep=%v", prepared, stepped)
		}
	}
}

func TestLoopPumpStepsAreFixedUnderWakeJitter(t *testing.T) {
	run := func(wakes []time.Duration) ([]float64, Snapshot) {
		e := newTestEngine()
		spawnLine(e.World(), "alice", 4, geom.Vec2{X: 50, Y: 120}, 40)
		source := &scriptedSource{commands: map[uint64][]Command{
			1: {{
				Seq:         1,
				Participant: "alice",
				Kind:        CommandMoveTo,
				Entities:    []EntityID{1, 2, 3, 4},
				MoveTo:      &MoveToCommand{Target: geom.Vec2{X: 320, Y: 200}},
			}},
		}}
		var deltas []float64
		l := NewLoop(e, source, LoopConfig{TickRate: 20, CatchupMaxTicks: 4}, LoopHooks{
			Prepare: func(ctx LoopTickContext) { deltas = append(deltas, ctx.Delta) },
		})
		if err := l.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		base := time.Unix(0, 0)
		l.pump(base)
		for _, offset := range wakes {
			l.pump(base.Add(offset))
		}
		return deltas, e.Snapshot()
	}

	// Steady wakes every 50ms versus alternating 40ms/60ms wakes covering the
	// same four seconds of wall time.
	steady := make([]time.Duration, 0, 80)
	for i := 1; i <= 80; i++ {
		steady = append(steady, time.Duration(i)*50*time.Millisecond)
	}
	jittered := make([]time.Duration, 0, 80)
	elapsed := time.Duration(0)
	for i := 0; i < 80; i++ {
		if i%2 == 0 {
			elapsed += 40 * time.Millisecond
		} else {
			elapsed += 60 * time.Millisecond
		}
		jittered = append(jittered, elapsed)
	}

	steadyDeltas, steadySnap := run(steady)
	jitterDeltas, jitterSnap := run(jittered)

	if len(steadyDeltas) != 80 || len(jitterDeltas) != 80 {
		t.Fatalf("ran %d/%d steps, want 80 each", len(steadyDeltas), len(jitterDeltas))
	}
	for i, dt := range jitterDeltas {
		if dt != 0.05 {
			t.Fatalf("jittered step %d ran with dt=%v, want the fixed 0.05", i+1, dt)
		}
	}
	if steadySnap.Tick != jitterSnap.Tick {
		t.Fatalf("tick counts diverged: %d vs %d", steadySnap.Tick, jitterSnap.Tick)
	}
	for i := range steadySnap.Entities {
		if steadySnap.Entities[i] != jitterSnap.Entities[i] {
			t.Errorf("entity %d diverged under wake jitter: %+v vs %+v",
				steadySnap.Entities[i].ID, steadySnap.Entities[i], jitterSnap.Entities[i])
		}
	}
}

func TestLoopPumpBoundsCatchup(t *testing.T) {
	var results []LoopStepResult
	l, _ := newTestLoop(&scriptedSource{}, LoopHooks{
		AfterStep: func(res LoopStepResult) { results = append(results, res) },
	})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Unix(0, 0)
	l.pump(base)
	// A one second stall at 20 Hz owes twenty steps.
	l.pump(base.Add(time.Second))
	if len(results) != 4 {
		t.Fatalf("ran %d steps after the stall, want the catch-up bound 4", len(results))
	}
	for _, res := range results {
		if res.Delta != 0.05 {
			t.Errorf("tick %d ran with dt=%v, want the fixed 0.05", res.Tick, res.Delta)
		}
		if !res.Truncated {
			t.Errorf("tick %d not flagged truncated", res.Tick)
		}
	}

	// The discarded backlog must not leak into the next wake.
	results = nil
	l.pump(base.Add(time.Second + 50*time.Millisecond))
	if len(results) != 1 {
		t.Fatalf("next wake ran %d steps, want exactly one", len(results))
	}
	if results[0].Truncated {
		t.Error("regular step flagged truncated")
	}
}

func TestLoopRunStopsOnStopChannel(t *testing.T) {
	l, _ := newTestLoop(&scriptedSource{}, LoopHooks{})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(stop)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	if got := l.State(); got != StateTerminated {
		t.Errorf("state after Run = %s, want %s", got, StateTerminated)
	}
}
