package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// LoopState is the match lifecycle state machine.
type LoopState int32

const (
	// StateIdle is the pre-match state before Start.
	StateIdle LoopState = iota
	StateRunning
	StatePaused
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrLoopState reports a state transition the lifecycle does not allow.
var ErrLoopState = errors.New("sim: invalid loop state transition")

// CommandSource supplies the agreed command set for a tick. The local queue
// never blocks; the lockstep session blocks at the rendezvous barrier until
// every peer confirmed the tick, and returns a fatal error on desync.
type CommandSource interface {
	Collect(tick uint64) ([]Command, error)
}

// QueueSource adapts the local command queue into a CommandSource.
type QueueSource struct {
	Queue *Queue
}

// Collect implements CommandSource by draining in FIFO order.
func (s QueueSource) Collect(uint64) ([]Command, error) {
	return s.Queue.Drain(), nil
}

// LoopConfig tunes tick cadence.
type LoopConfig struct {
	TickRate int
	// CatchupMaxTicks bounds how many fixed steps a single wake may run
	// after a stall; backlog beyond the bound is discarded.
	CatchupMaxTicks int
}

// DefaultLoopConfig returns the cadence used outside of tests.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{TickRate: 20, CatchupMaxTicks: 4}
}

// LoopTickContext carries the timing inputs of one step.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// LoopStepResult reports the outcome of one step to the AfterStep hook.
type LoopStepResult struct {
	Tick     uint64
	Now      time.Time
	Delta    float64
	Snapshot Snapshot
	Commands []Command
	Err      error
	Duration time.Duration
	Budget   time.Duration
	// Truncated marks steps run under the catch-up bound after a stall;
	// the backlog past the bound was discarded.
	Truncated bool
}

// LoopHooks let the hub observe and steer the loop without the loop knowing
// about transport concerns.
type LoopHooks struct {
	// NextTick fires when a tick number is assigned, before the step runs.
	NextTick  func(tick uint64)
	Prepare   func(LoopTickContext)
	AfterStep func(LoopStepResult)
}

const loopTickMetricKey = "sim_loop_ticks_total"

// Loop drives the fixed-timestep simulation for exactly one match. It is
// constructed at match start and terminated at match end.
type Loop struct {
	core   EngineCore
	source CommandSource
	hooks  LoopHooks
	config LoopConfig

	mu    sync.Mutex
	state LoopState
	tick  uint64

	// lastWake and acc belong to the Run goroutine.
	lastWake time.Time
	acc      time.Duration
}

// NewLoop wires the engine core to a command source. The loop starts Idle.
func NewLoop(core EngineCore, source CommandSource, cfg LoopConfig, hooks LoopHooks) *Loop {
	if core == nil || source == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultLoopConfig().TickRate
	}
	return &Loop{
		core:   core,
		source: source,
		hooks:  hooks,
		config: cfg,
		state:  StateIdle,
	}
}

// State reports the current lifecycle state.
func (l *Loop) State() LoopState {
	if l == nil {
		return StateTerminated
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start transitions Idle -> Running at match start.
func (l *Loop) Start() error {
	return l.transition(StateIdle, StateRunning)
}

// Pause transitions Running -> Paused. Ticks elapse without advancing while
// paused; a lockstep session keeps buffering deliveries in the meantime.
func (l *Loop) Pause() error {
	return l.transition(StateRunning, StatePaused)
}

// Resume transitions Paused -> Running.
func (l *Loop) Resume() error {
	return l.transition(StatePaused, StateRunning)
}

// Terminate ends the match from any live state.
func (l *Loop) Terminate() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.state = StateTerminated
	l.mu.Unlock()
}

func (l *Loop) transition(from, to LoopState) error {
	if l == nil {
		return ErrLoopState
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return fmt.Errorf("%w: %s -> %s", ErrLoopState, l.state, to)
	}
	l.state = to
	return nil
}

// Advance executes one simulation step: collect the agreed command set,
// apply, step, snapshot. A command-source failure (lockstep desync) moves the
// loop to Terminated and surfaces through the result.
func (l *Loop) Advance(ctx LoopTickContext) LoopStepResult {
	if l == nil {
		return LoopStepResult{}
	}
	if l.State() != StateRunning {
		return LoopStepResult{Tick: ctx.Tick, Now: ctx.Now, Err: fmt.Errorf("%w: advance in %s", ErrLoopState, l.State())}
	}
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(ctx)
	}

	commands, err := l.source.Collect(ctx.Tick)
	if err != nil {
		l.Terminate()
		return LoopStepResult{Tick: ctx.Tick, Now: ctx.Now, Delta: ctx.Delta, Err: err}
	}

	applyErr := l.core.Apply(commands)
	l.core.Step(ctx.Delta)
	l.core.Deps().Metrics.Add(loopTickMetricKey, 1)

	return LoopStepResult{
		Tick:     ctx.Tick,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Snapshot: l.core.Snapshot(),
		Commands: commands,
		Err:      applyErr,
	}
}

// Run drives ticks until the stop channel closes or the loop terminates.
// While paused, ticks elapse without advancing the simulation. The loop
// must have been started.
func (l *Loop) Run(stop <-chan struct{}) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(l.step())
	defer ticker.Stop()

	clock := l.core.Deps().Clock
	for {
		select {
		case <-stop:
			l.Terminate()
			return
		case <-ticker.C:
			switch l.State() {
			case StateTerminated:
				return
			case StatePaused, StateIdle:
				// Paused time does not accumulate into pending steps.
				l.lastWake = clock.Now()
				l.acc = 0
				continue
			}
			if !l.pump(clock.Now()) {
				return
			}
		}
	}
}

// step is the fixed simulation interval derived from the tick rate.
func (l *Loop) step() time.Duration {
	return time.Second / time.Duration(l.config.TickRate)
}

// pump absorbs the wall clock time elapsed since the previous wake by running
// zero or more fixed-length steps. Wall time only decides how many steps run;
// every step advances the simulation by exactly 1/TickRate, so every peer and
// every journal replay of the same command log sees identical deltas. Returns
// false once the loop has terminated.
func (l *Loop) pump(now time.Time) bool {
	step := l.step()
	if l.lastWake.IsZero() {
		l.lastWake = now
		return true
	}
	l.acc += now.Sub(l.lastWake)
	l.lastWake = now

	steps := int(l.acc / step)
	if steps <= 0 {
		return true
	}
	truncated := false
	if max := l.config.CatchupMaxTicks; max > 0 && steps > max {
		// A stall longer than the catch-up bound is not replayed; simulated
		// time falls behind wall time instead.
		steps = max
		truncated = true
		l.acc = 0
	} else {
		l.acc -= time.Duration(steps) * step
	}

	clock := l.core.Deps().Clock
	dt := step.Seconds()
	for i := 0; i < steps; i++ {
		if l.State() != StateRunning {
			return l.State() != StateTerminated
		}
		l.mu.Lock()
		l.tick++
		tick := l.tick
		l.mu.Unlock()
		if l.hooks.NextTick != nil {
			l.hooks.NextTick(tick)
		}

		start := clock.Now()
		result := l.Advance(LoopTickContext{Tick: tick, Now: now, Delta: dt})
		result.Duration = clock.Now().Sub(start)
		result.Budget = step
		result.Truncated = truncated

		if l.hooks.AfterStep != nil {
			l.hooks.AfterStep(result)
		}
		if result.Err != nil && l.State() == StateTerminated {
			l.core.Deps().Logger.Printf("[loop] terminated at tick %d: %v", tick, result.Err)
			return false
		}
	}
	return true
}
