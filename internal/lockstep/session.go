package lockstep

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Zakru/DigitalExtinction-Game/internal/sim"
	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
)

// ErrDesync reports that a peer failed to deliver its command set for a tick
// within the session timeout. Desync is fatal: the match terminates rather
// than diverge.
var ErrDesync = errors.New("lockstep: peer desynchronized")

// ErrUnknownParticipant reports a delivery from a source that is not part of
// the session.
var ErrUnknownParticipant = errors.New("lockstep: unknown participant")

// ErrSessionClosed reports use of a session after Close.
var ErrSessionClosed = errors.New("lockstep: session closed")

const (
	desyncMetricKey       = "lockstep_desync_total"
	lateDeliveryMetricKey = "lockstep_late_delivery_total"
	barrierWaitMetricKey  = "lockstep_barrier_wait_ms_total"
)

// SessionConfig describes one lockstep match.
type SessionConfig struct {
	// Participants is the fixed set of peers whose command sets each tick
	// waits for. The set never changes mid-match.
	Participants []string
	// Delay is the number of ticks between command issue and execution,
	// giving every peer time to receive the set before it is due.
	Delay uint64
	// Timeout bounds how long a tick waits at the rendezvous barrier.
	Timeout time.Duration
}

// DefaultSessionConfig returns the parameters used outside of tests.
func DefaultSessionConfig(participants []string) SessionConfig {
	return SessionConfig{
		Participants: participants,
		Delay:        2,
		Timeout:      5 * time.Second,
	}
}

// tickSet accumulates the per-participant command sets agreed for one tick.
// complete closes once every participant has finalized.
type tickSet struct {
	commands map[string][]sim.Command
	final    map[string]bool
	complete chan struct{}
}

// Session is the rendezvous barrier between the local tick loop and remote
// command deliveries. It implements sim.CommandSource: Collect blocks until
// the command set for the tick is agreed by all participants, yielding the
// same ordered slice on every peer.
type Session struct {
	cfg     SessionConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      sync.Mutex
	ticks   map[uint64]*tickSet
	current uint64
	closed  chan struct{}
	once    sync.Once
}

// NewSession constructs a session for a fixed participant set.
func NewSession(cfg SessionConfig, logger telemetry.Logger, metrics telemetry.Metrics) (*Session, error) {
	if len(cfg.Participants) == 0 {
		return nil, errors.New("lockstep: session requires at least one participant")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSessionConfig(nil).Timeout
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Session{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		ticks:   make(map[uint64]*tickSet),
		closed:  make(chan struct{}),
	}, nil
}

// Participants returns the fixed participant set.
func (s *Session) Participants() []string {
	return append([]string(nil), s.cfg.Participants...)
}

// Delay returns the command schedule delay in ticks.
func (s *Session) Delay() uint64 {
	return s.cfg.Delay
}

// TargetTick returns the tick a command issued now executes at.
func (s *Session) TargetTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current + 1 + s.cfg.Delay
}

func (s *Session) isParticipant(name string) bool {
	for _, p := range s.cfg.Participants {
		if p == name {
			return true
		}
	}
	return false
}

func (s *Session) tickSetLocked(tick uint64) *tickSet {
	set, ok := s.ticks[tick]
	if !ok {
		set = &tickSet{
			commands: make(map[string][]sim.Command),
			final:    make(map[string]bool),
			complete: make(chan struct{}),
		}
		s.ticks[tick] = set
	}
	return set
}

// Deliver records a participant's finalized command set for a tick. An empty
// set is a valid finalization; peers send one every tick so the barrier can
// release. Deliveries for ticks already collected are dropped.
func (s *Session) Deliver(participant string, tick uint64, cmds []sim.Command) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if !s.isParticipant(participant) {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tick <= s.current {
		s.metrics.Add(lateDeliveryMetricKey, 1)
		s.logger.Printf("[lockstep] dropped late delivery participant=%s tick=%d current=%d", participant, tick, s.current)
		return nil
	}
	set := s.tickSetLocked(tick)
	if set.final[participant] {
		// Reliable transport may redeliver; the first set wins.
		return nil
	}
	set.commands[participant] = append(set.commands[participant], cmds...)
	set.final[participant] = true
	if len(set.final) == len(s.cfg.Participants) {
		close(set.complete)
	}
	return nil
}

// Collect implements sim.CommandSource. It blocks until every participant
// delivered for the tick, then merges the sets into the agreed total order:
// by participant name, then by command sequence number. A timeout is a
// desync and fails the match.
func (s *Session) Collect(tick uint64) ([]sim.Command, error) {
	s.mu.Lock()
	set := s.tickSetLocked(tick)
	s.mu.Unlock()

	waitStart := time.Now()
	select {
	case <-set.complete:
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-time.After(s.cfg.Timeout):
		s.metrics.Add(desyncMetricKey, 1)
		missing := s.missing(tick)
		s.logger.Printf("[lockstep] desync at tick=%d missing=%v", tick, missing)
		return nil, fmt.Errorf("%w: tick %d missing %v after %s", ErrDesync, tick, missing, s.cfg.Timeout)
	}
	s.metrics.Add(barrierWaitMetricKey, uint64(time.Since(waitStart).Milliseconds()))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = tick
	delete(s.ticks, tick)
	// Ticks at or before the collected one can never release; drop them.
	for old := range s.ticks {
		if old <= tick {
			delete(s.ticks, old)
		}
	}
	return mergeCommandSets(s.cfg.Participants, set.commands, tick), nil
}

func (s *Session) missing(tick uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.ticks[tick]
	if !ok {
		return nil
	}
	var missing []string
	for _, p := range s.cfg.Participants {
		if !set.final[p] {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	return missing
}

// mergeCommandSets flattens per-participant sets into the deterministic total
// order all peers agree on.
func mergeCommandSets(participants []string, sets map[string][]sim.Command, tick uint64) []sim.Command {
	ordered := append([]string(nil), participants...)
	sort.Strings(ordered)
	var merged []sim.Command
	for _, p := range ordered {
		cmds := append([]sim.Command(nil), sets[p]...)
		sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Seq < cmds[j].Seq })
		for i := range cmds {
			cmds[i].Tick = tick
		}
		merged = append(merged, cmds...)
	}
	return merged
}

// Close releases all waiters with ErrSessionClosed. Safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closed) })
}

var _ sim.CommandSource = (*Session)(nil)
