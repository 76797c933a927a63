// Package game ties the simulation core, the lockstep session, and the
// websocket transport together into one running match.
package game

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Zakru/DigitalExtinction-Game/internal/journal"
	"github.com/Zakru/DigitalExtinction-Game/internal/lockstep"
	"github.com/Zakru/DigitalExtinction-Game/internal/net/proto"
	"github.com/Zakru/DigitalExtinction-Game/internal/net/ws"
	"github.com/Zakru/DigitalExtinction-Game/internal/sim"
	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
)

const (
	participantsMetricKey = "hub_participants"
	broadcastsMetricKey   = "hub_state_broadcasts_total"
	relayRejectMetricKey  = "hub_relay_rejected_total"
)

// ErrAlreadyJoined reports a second join for a participant that is still
// connected.
var ErrAlreadyJoined = errors.New("hub: participant already joined")

// ErrMatchOver reports interaction with a terminated match.
var ErrMatchOver = errors.New("hub: match terminated")

const resendInterval = 500 * time.Millisecond

// HubConfig describes one hosted match.
type HubConfig struct {
	World sim.WorldConfig
	Loop  sim.LoopConfig
	// Participants is the fixed peer set for a networked match. Leave empty
	// for a local match driven through Submit.
	Participants []string
	// Delay is the lockstep schedule delay in ticks.
	Delay uint64
	// DesyncTimeout bounds how long a tick waits for a missing peer.
	DesyncTimeout time.Duration
	// KeyframeInterval is the number of ticks between state broadcasts.
	KeyframeInterval int
	// Journal, when set, records every agreed command set for replay.
	Journal *journal.Writer

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// DefaultHubConfig returns the match setup used outside of tests.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		World:            sim.DefaultWorldConfig(),
		Loop:             sim.DefaultLoopConfig(),
		Delay:            2,
		DesyncTimeout:    5 * time.Second,
		KeyframeInterval: 1,
	}
}

// Hub hosts exactly one match: it owns the engine and loop, admits
// participants, relays their command sets into the lockstep session, and
// broadcasts post-tick state.
type Hub struct {
	cfg     HubConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	engine  *sim.Engine
	loop    *sim.Loop
	queue   *sim.Queue
	session *lockstep.Session

	mu    sync.Mutex
	peers map[string]*ws.Peer

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub builds the match from its configuration. Networked matches wait for
// every configured participant before the loop starts; local matches start
// with Start.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.KeyframeInterval < 1 {
		cfg.KeyframeInterval = 1
	}

	deps := sim.Deps{Logger: cfg.Logger, Metrics: cfg.Metrics}
	engine := sim.NewEngine(sim.NewWorld(cfg.World), deps)
	h := &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		engine:  engine,
		peers:   make(map[string]*ws.Peer),
		stop:    make(chan struct{}),
	}

	var source sim.CommandSource
	if len(cfg.Participants) > 0 {
		session, err := lockstep.NewSession(lockstep.SessionConfig{
			Participants: cfg.Participants,
			Delay:        cfg.Delay,
			Timeout:      cfg.DesyncTimeout,
		}, cfg.Logger, cfg.Metrics)
		if err != nil {
			return nil, err
		}
		h.session = session
		source = session
	} else {
		h.queue = sim.NewQueue(sim.QueueConfig{Capacity: 256}, engine.World(), cfg.Metrics)
		source = sim.QueueSource{Queue: h.queue}
	}

	h.loop = sim.NewLoop(engine, source, cfg.Loop, sim.LoopHooks{
		AfterStep: h.afterStep,
	})
	return h, nil
}

// Engine exposes the simulation core for spawning and inspection.
func (h *Hub) Engine() *sim.Engine {
	return h.engine
}

// Loop exposes the match loop for lifecycle control in local matches.
func (h *Hub) Loop() *sim.Loop {
	return h.loop
}

// Submit stages a local command. Only valid for matches without a
// participant set.
func (h *Hub) Submit(cmd sim.Command) error {
	if h.queue == nil {
		return fmt.Errorf("hub: networked match only accepts relayed command sets")
	}
	return h.queue.Submit(cmd)
}

// Start begins a local match immediately.
func (h *Hub) Start() error {
	if err := h.loop.Start(); err != nil {
		return err
	}
	go h.loop.Run(h.stop)
	go h.resendLoop()
	h.broadcastEvent(proto.MatchEvent{Kind: proto.MatchStarted, Tick: h.engine.Tick()})
	return nil
}

// Pause halts ticking and announces it to every peer. The lockstep session
// keeps accepting deliveries while paused.
func (h *Hub) Pause() error {
	if err := h.loop.Pause(); err != nil {
		return err
	}
	h.logger.Printf("[hub] match paused tick=%d", h.engine.Tick())
	h.broadcastEvent(proto.MatchEvent{Kind: proto.MatchPaused, Tick: h.engine.Tick()})
	return nil
}

// Resume continues a paused match.
func (h *Hub) Resume() error {
	if err := h.loop.Resume(); err != nil {
		return err
	}
	h.logger.Printf("[hub] match resumed tick=%d", h.engine.Tick())
	h.broadcastEvent(proto.MatchEvent{Kind: proto.MatchResumed, Tick: h.engine.Tick()})
	return nil
}

// Join implements ws.MatchHub. The match starts once the last configured
// participant connects.
func (h *Hub) Join(participant string, peer *ws.Peer) (proto.JoinAck, error) {
	if h.session == nil {
		return proto.JoinAck{}, fmt.Errorf("hub: local match accepts no remote participants")
	}
	if !h.isParticipant(participant) {
		return proto.JoinAck{}, fmt.Errorf("%w: %s", lockstep.ErrUnknownParticipant, participant)
	}
	if h.loop.State() == sim.StateTerminated {
		return proto.JoinAck{}, ErrMatchOver
	}

	h.mu.Lock()
	if _, dup := h.peers[participant]; dup {
		h.mu.Unlock()
		return proto.JoinAck{}, fmt.Errorf("%w: %s", ErrAlreadyJoined, participant)
	}
	h.peers[participant] = peer
	connected := len(h.peers)
	h.mu.Unlock()
	h.metrics.Store(participantsMetricKey, uint64(connected))
	h.logger.Printf("[hub] participant joined name=%s connected=%d/%d", participant, connected, len(h.cfg.Participants))

	if connected == len(h.cfg.Participants) {
		if err := h.loop.Start(); err == nil {
			go h.loop.Run(h.stop)
			go h.resendLoop()
			h.broadcastEvent(proto.MatchEvent{Kind: proto.MatchStarted, Tick: h.engine.Tick()})
		}
	}

	return proto.JoinAck{
		Participant:  participant,
		Participants: h.session.Participants(),
		TickRate:     h.cfg.Loop.TickRate,
		Delay:        h.cfg.Delay,
		Snapshot:     h.engine.Snapshot(),
	}, nil
}

// Leave implements ws.MatchHub. The lockstep barrier detects the missing
// peer's silence as a desync; Leave only releases the connection.
func (h *Hub) Leave(participant string) {
	h.mu.Lock()
	peer, ok := h.peers[participant]
	if ok {
		delete(h.peers, participant)
	}
	connected := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.Store(participantsMetricKey, uint64(connected))
	h.logger.Printf("[hub] participant left name=%s connected=%d", participant, connected)
	peer.Close(0, "")
}

// Relay implements ws.MatchHub: it forwards a participant's finalized set
// into the lockstep session. Sets claiming another participant's identity or
// referencing entities the sender does not control are rejected here, so the
// issuer gets the error back instead of a silent drop at apply time. The
// entity roster and ownership are fixed after world construction, which keeps
// this validation safe off the tick goroutine.
func (h *Hub) Relay(participant string, set proto.CommandSet) error {
	if h.session == nil {
		return fmt.Errorf("hub: local match accepts no relayed command sets")
	}
	if set.Participant != "" && set.Participant != participant {
		h.metrics.Add(relayRejectMetricKey, 1)
		return fmt.Errorf("%w: set claims %s", lockstep.ErrUnknownParticipant, set.Participant)
	}
	for _, cmd := range set.Commands {
		if cmd.Participant != participant {
			h.metrics.Add(relayRejectMetricKey, 1)
			return fmt.Errorf("%w: command %d claims participant %s", sim.ErrInvalidCommand, cmd.Seq, cmd.Participant)
		}
		if err := h.engine.World().ValidateCommand(cmd); err != nil {
			h.metrics.Add(relayRejectMetricKey, 1)
			return fmt.Errorf("command %d: %w", cmd.Seq, err)
		}
	}
	return h.session.Deliver(participant, set.Tick, set.Commands)
}

func (h *Hub) isParticipant(name string) bool {
	for _, p := range h.cfg.Participants {
		if p == name {
			return true
		}
	}
	return false
}

// afterStep runs on the tick goroutine after every simulation step.
func (h *Hub) afterStep(result sim.LoopStepResult) {
	if result.Err != nil && h.loop.State() == sim.StateTerminated {
		h.logger.Printf("[hub] match terminated at tick %d: %v", result.Tick, result.Err)
		h.broadcastEvent(proto.MatchEvent{Kind: proto.MatchTerminated, Tick: result.Tick, Reason: result.Err.Error()})
		h.Shutdown()
		return
	}

	if h.cfg.Journal != nil && len(result.Commands) > 0 {
		if err := h.cfg.Journal.Append(journal.Record{Tick: result.Tick, Commands: result.Commands}); err != nil {
			h.logger.Printf("[hub] journal append failed tick=%d: %v", result.Tick, err)
		}
	}

	if result.Tick%uint64(h.cfg.KeyframeInterval) == 0 {
		h.broadcastState(result.Snapshot)
	}
}

// broadcastState sends the post-tick snapshot to every connected peer.
// Delivery is best-effort; a failed write drops the peer.
func (h *Hub) broadcastState(snapshot sim.Snapshot) {
	for name, peer := range h.peerList() {
		if err := peer.Send(proto.TypeState, proto.State{Snapshot: snapshot}); err != nil {
			h.logger.Printf("[hub] state send failed participant=%s: %v", name, err)
			h.Leave(name)
		}
	}
	h.metrics.Add(broadcastsMetricKey, 1)
}

// broadcastEvent delivers a lifecycle event reliably to every peer.
func (h *Hub) broadcastEvent(event proto.MatchEvent) {
	for name, peer := range h.peerList() {
		if err := peer.SendReliable(proto.TypeMatchEvent, event); err != nil {
			h.logger.Printf("[hub] event send failed participant=%s: %v", name, err)
			h.Leave(name)
		}
	}
}

func (h *Hub) peerList() map[string]*ws.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make(map[string]*ws.Peer, len(h.peers))
	for name, peer := range h.peers {
		peers[name] = peer
	}
	return peers
}

// resendLoop retransmits unconfirmed reliable messages until shutdown.
func (h *Hub) resendLoop() {
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			for name, peer := range h.peerList() {
				if err := peer.ResendExpired(now, resendInterval); err != nil {
					h.logger.Printf("[hub] resend failed participant=%s: %v", name, err)
					h.Leave(name)
					continue
				}
				if waited, ok := peer.OldestUnconfirmed(now); ok && waited > h.cfg.DesyncTimeout {
					h.logger.Printf("[hub] participant=%s unconfirmed for %s, dropping", name, waited)
					h.Leave(name)
				}
			}
		}
	}
}

// Diagnostics is the /healthz payload.
type Diagnostics struct {
	State        string              `json:"state"`
	Tick         uint64              `json:"tick"`
	Participants []PeerDiagnostics   `json:"participants"`
	Counters     []telemetry.Counter `json:"counters,omitempty"`
}

// PeerDiagnostics reports per-connection health.
type PeerDiagnostics struct {
	Name          string `json:"name"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rttMillis"`
}

// DiagnosticsSnapshot reports match and connection health for the
// diagnostics endpoint.
func (h *Hub) DiagnosticsSnapshot() Diagnostics {
	diag := Diagnostics{
		State: h.loop.State().String(),
		Tick:  h.engine.Tick(),
	}
	h.mu.Lock()
	names := make([]string, 0, len(h.peers))
	for name := range h.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		peer := h.peers[name]
		diag.Participants = append(diag.Participants, PeerDiagnostics{
			Name:          name,
			LastHeartbeat: peer.LastHeartbeat().UnixMilli(),
			RTTMillis:     peer.RTT().Milliseconds(),
		})
	}
	h.mu.Unlock()
	if counters, ok := h.metrics.(*telemetry.Counters); ok {
		diag.Counters = counters.Snapshot()
	}
	return diag
}

var _ ws.MatchHub = (*Hub)(nil)

// Shutdown terminates the match and closes every connection. Safe to call
// repeatedly.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.loop.Terminate()
		if h.session != nil {
			h.session.Close()
		}
		for name := range h.peerList() {
			h.Leave(name)
		}
	})
}
