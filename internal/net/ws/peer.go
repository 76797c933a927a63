package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zakru/DigitalExtinction-Game/internal/lockstep"
	"github.com/Zakru/DigitalExtinction-Game/internal/net/proto"
)

const writeWait = 10 * time.Second

// Peer wraps one websocket connection with serialized writes, reliable
// delivery bookkeeping, and heartbeat state. Writes can come from the read
// goroutine, the broadcast path, and the resend sweep; the mutex keeps frames
// whole.
type Peer struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	gen     lockstep.IDGenerator
	pending *lockstep.Confirmations

	outboxMu sync.Mutex
	outbox   map[lockstep.PackageID][]byte

	stateMu       sync.Mutex
	lastHeartbeat time.Time
	lastRTT       time.Duration
}

// NewPeer wraps an upgraded connection.
func NewPeer(conn *websocket.Conn) *Peer {
	return &Peer{
		conn:          conn,
		pending:       lockstep.NewConfirmations(),
		outbox:        make(map[lockstep.PackageID][]byte),
		lastHeartbeat: time.Now(),
	}
}

func (p *Peer) writeFrame(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Send delivers a best-effort message. Loss is acceptable; the next state
// broadcast supersedes it.
func (p *Peer) Send(t proto.MessageType, payload any) error {
	env, err := proto.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	frame, err := proto.Marshal(env)
	if err != nil {
		return err
	}
	return p.writeFrame(frame)
}

// SendReliable delivers a message the peer must confirm. The frame stays in
// the outbox for retransmission until the confirmation arrives.
func (p *Peer) SendReliable(t proto.MessageType, payload any) error {
	id := p.gen.Generate()
	env, err := proto.NewReliableEnvelope(t, id, payload)
	if err != nil {
		return err
	}
	frame, err := proto.Marshal(env)
	if err != nil {
		return err
	}

	p.outboxMu.Lock()
	p.outbox[id] = frame
	p.outboxMu.Unlock()
	p.pending.Track(id, time.Now())

	return p.writeFrame(frame)
}

// Confirm resolves delivered reliable messages and drops their frames.
func (p *Peer) Confirm(ids []lockstep.PackageID) {
	p.outboxMu.Lock()
	defer p.outboxMu.Unlock()
	for _, id := range ids {
		if p.pending.Confirm(id) {
			delete(p.outbox, id)
		}
	}
}

// ResendExpired retransmits reliable frames unconfirmed past the resend
// interval. It returns the write error that should tear the connection down,
// if any.
func (p *Peer) ResendExpired(now time.Time, resendAfter time.Duration) error {
	for _, id := range p.pending.Expired(now, resendAfter) {
		p.outboxMu.Lock()
		frame, ok := p.outbox[id]
		p.outboxMu.Unlock()
		if !ok {
			continue
		}
		if err := p.writeFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// OldestUnconfirmed reports how long the most overdue reliable message has
// waited. The hub terminates the session when this exceeds the desync
// timeout.
func (p *Peer) OldestUnconfirmed(now time.Time) (time.Duration, bool) {
	sent, ok := p.pending.Oldest()
	if !ok {
		return 0, false
	}
	return now.Sub(sent), true
}

// RecordHeartbeat notes a heartbeat arrival and derives the round-trip time
// from the echoed send timestamp.
func (p *Peer) RecordHeartbeat(receivedAt time.Time, sentAt time.Time) time.Duration {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.lastHeartbeat = receivedAt
	if !sentAt.IsZero() {
		if rtt := receivedAt.Sub(sentAt); rtt >= 0 && rtt < 5*time.Second {
			p.lastRTT = rtt
		}
	}
	return p.lastRTT
}

// LastHeartbeat reports the most recent heartbeat arrival.
func (p *Peer) LastHeartbeat() time.Time {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.lastHeartbeat
}

// RTT reports the last measured round-trip time.
func (p *Peer) RTT() time.Duration {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.lastRTT
}

// Close tears the connection down after an optional close frame.
func (p *Peer) Close(code int, reason string) {
	if reason != "" {
		p.writeMu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		p.writeMu.Unlock()
	}
	p.conn.Close()
}
