package lockstep

import (
	"sync"
	"time"
)

const (
	packageIDBits = 24
	packageIDMask = (1 << packageIDBits) - 1
	// packageIDHalf splits the circular ID space; an ID precedes another when
	// the forward distance is below this threshold.
	packageIDHalf = 1 << (packageIDBits - 1)
)

// PackageID identifies a reliable message within a session. The ID space is
// 24 bits wide and wraps around, so ordering is circular rather than numeric.
type PackageID uint32

// Next returns the successor ID, wrapping past the 24-bit boundary.
func (id PackageID) Next() PackageID {
	return (id + 1) & packageIDMask
}

// Precedes reports whether id was issued before other under circular
// ordering. Equal IDs precede nothing.
func (id PackageID) Precedes(other PackageID) bool {
	diff := uint32(other-id) & packageIDMask
	return diff != 0 && diff < packageIDHalf
}

// IDGenerator hands out session-unique package IDs.
type IDGenerator struct {
	mu   sync.Mutex
	next PackageID
}

// Generate returns the next ID in circular order.
func (g *IDGenerator) Generate() PackageID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next = g.next.Next()
	return id
}

// Confirmations tracks reliable packages sent to one peer that still await an
// explicit confirmation. Unconfirmed packages past the resend interval are
// retransmitted; a package unconfirmed past the session timeout is fatal.
type Confirmations struct {
	mu      sync.Mutex
	pending map[PackageID]pendingPackage
	order   []PackageID
}

// pendingPackage separates the original send time, which the desync watchdog
// measures against, from the last retransmission time, which paces resends.
type pendingPackage struct {
	firstSent time.Time
	lastSent  time.Time
}

// NewConfirmations constructs an empty tracker.
func NewConfirmations() *Confirmations {
	return &Confirmations{pending: make(map[PackageID]pendingPackage)}
}

// Track records a freshly sent reliable package.
func (c *Confirmations) Track(id PackageID, sentAt time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return
	}
	c.pending[id] = pendingPackage{firstSent: sentAt, lastSent: sentAt}
	c.order = append(c.order, id)
}

// Confirm resolves a confirmed package. It reports whether the ID was
// actually pending, so duplicate confirmations can be counted.
func (c *Confirmations) Confirm(id PackageID) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	for i, pending := range c.order {
		if pending == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Expired returns, in send order, the pending IDs last sent at or before the
// resend cutoff. Only the retransmission time is refreshed, so a package is
// resent once per interval rather than every poll while its original send
// time stays observable through Oldest.
func (c *Confirmations) Expired(now time.Time, resendAfter time.Duration) []PackageID {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []PackageID
	for _, id := range c.order {
		p := c.pending[id]
		if now.Sub(p.lastSent) >= resendAfter {
			expired = append(expired, id)
			p.lastSent = now
			c.pending[id] = p
		}
	}
	return expired
}

// Oldest reports the earliest original send time, if any package is pending.
// Retransmissions do not move it; the desync watchdog compares it against the
// session timeout.
func (c *Confirmations) Oldest() (time.Time, bool) {
	if c == nil {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return time.Time{}, false
	}
	oldest := c.pending[c.order[0]].firstSent
	for _, id := range c.order[1:] {
		if sent := c.pending[id].firstSent; sent.Before(oldest) {
			oldest = sent
		}
	}
	return oldest, true
}

// Len reports the number of unconfirmed packages.
func (c *Confirmations) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
