package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zakru/DigitalExtinction-Game/internal/lockstep"
	"github.com/Zakru/DigitalExtinction-Game/internal/net/proto"
	"github.com/Zakru/DigitalExtinction-Game/internal/sim"
	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
)

const (
	readBufferSize  = 4096
	writeBufferSize = 4096
)

const (
	framesInMetricKey   = "ws_frames_in_total"
	rejectedMetricKey   = "ws_rejected_total"
	disconnectMetricKey = "ws_disconnect_total"
)

// MatchHub is the surface the websocket transport drives. The root hub
// implements it; tests substitute fakes.
type MatchHub interface {
	// Join admits a participant and returns the state needed to catch up.
	Join(participant string, peer *Peer) (proto.JoinAck, error)
	// Leave drops a participant after its connection closed.
	Leave(participant string)
	// Relay forwards a participant's finalized command set into the lockstep
	// session. Sets from non-participants or with foreign entities are
	// rejected.
	Relay(participant string, set proto.CommandSet) error
}

// Handler upgrades connections and runs the per-connection read loop.
type Handler struct {
	hub      MatchHub
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader
}

// NewHandler constructs the websocket endpoint for a match hub.
func NewHandler(hub MatchHub, logger telemetry.Logger, metrics telemetry.Metrics) *Handler {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Handler{
		hub:     hub,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the /ws endpoint. The first frame must be a Join; the
// connection then stays in the read loop until it drops or a fatal error is
// sent.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws] upgrade failed: %v", err)
		return
	}
	peer := NewPeer(conn)

	participant, ok := h.join(peer)
	if !ok {
		h.metrics.Add(rejectedMetricKey, 1)
		peer.Close(websocket.ClosePolicyViolation, "join rejected")
		return
	}

	h.readLoop(participant, peer)
	h.metrics.Add(disconnectMetricKey, 1)
	h.hub.Leave(participant)
	peer.Close(0, "")
}

func (h *Handler) join(peer *Peer) (string, bool) {
	_, frame, err := peer.conn.ReadMessage()
	if err != nil {
		return "", false
	}
	env, err := proto.Unmarshal(frame)
	if err != nil {
		h.sendError(peer, errorCode(err), err.Error(), true)
		return "", false
	}
	if env.Type != proto.TypeJoin {
		h.sendError(peer, proto.CodeMalformedMessage, "expected join", true)
		return "", false
	}
	var join proto.Join
	if err := env.Decode(&join); err != nil {
		h.sendError(peer, proto.CodeMalformedMessage, err.Error(), true)
		return "", false
	}

	ack, err := h.hub.Join(join.Participant, peer)
	if err != nil {
		h.sendError(peer, errorCode(err), err.Error(), true)
		return "", false
	}
	if err := peer.Send(proto.TypeJoinAck, ack); err != nil {
		h.hub.Leave(join.Participant)
		return "", false
	}
	h.logger.Printf("[ws] joined participant=%s", join.Participant)
	return join.Participant, true
}

func (h *Handler) readLoop(participant string, peer *Peer) {
	for {
		_, frame, err := peer.conn.ReadMessage()
		if err != nil {
			h.logger.Printf("[ws] read ended participant=%s: %v", participant, err)
			return
		}
		h.metrics.Add(framesInMetricKey, 1)

		env, err := proto.Unmarshal(frame)
		if err != nil {
			// Malformed frames are dropped; the connection survives.
			h.logger.Printf("[ws] discarding malformed frame participant=%s: %v", participant, err)
			h.sendError(peer, errorCode(err), err.Error(), false)
			continue
		}
		if env.Reliable {
			if err := peer.Send(proto.TypeConfirm, proto.Confirm{IDs: []lockstep.PackageID{env.ID}}); err != nil {
				return
			}
		}

		switch env.Type {
		case proto.TypeCommandSet:
			var set proto.CommandSet
			if err := env.Decode(&set); err != nil {
				h.sendError(peer, proto.CodeMalformedMessage, err.Error(), false)
				continue
			}
			if err := h.hub.Relay(participant, set); err != nil {
				h.sendError(peer, errorCode(err), err.Error(), false)
			}
		case proto.TypeConfirm:
			var confirm proto.Confirm
			if err := env.Decode(&confirm); err != nil {
				h.sendError(peer, proto.CodeMalformedMessage, err.Error(), false)
				continue
			}
			peer.Confirm(confirm.IDs)
		case proto.TypeHeartbeat:
			var hb proto.Heartbeat
			if err := env.Decode(&hb); err != nil {
				h.sendError(peer, proto.CodeMalformedMessage, err.Error(), false)
				continue
			}
			peer.RecordHeartbeat(time.Now(), hb.SentAt)
			if err := peer.Send(proto.TypeHeartbeatAck, proto.HeartbeatAck{SentAt: hb.SentAt}); err != nil {
				return
			}
		default:
			h.logger.Printf("[ws] unknown frame type %q participant=%s", env.Type, participant)
		}
	}
}

func (h *Handler) sendError(peer *Peer, code, message string, fatal bool) {
	peer.Send(proto.TypeError, proto.ErrorMsg{Code: code, Message: message, Fatal: fatal})
	if fatal {
		peer.Close(websocket.ClosePolicyViolation, code)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, proto.ErrVersionMismatch):
		return proto.CodeVersionMismatch
	case errors.Is(err, lockstep.ErrUnknownParticipant):
		return proto.CodeNotParticipant
	case errors.Is(err, sim.ErrInvalidCommand):
		return proto.CodeInvalidCommand
	case errors.Is(err, sim.ErrQueueFull):
		return proto.CodeQueueFull
	case errors.Is(err, lockstep.ErrDesync):
		return proto.CodeDesync
	default:
		return proto.CodeMalformedMessage
	}
}
