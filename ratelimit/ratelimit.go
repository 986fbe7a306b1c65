// Package ratelimit implements the process-wide upload token bucket: one
// shared budget, refilled continuously rather than in discrete 1-second
// jumps, that every session's peers draw down as they send block payload.
// It is grounded on the upload-throttle vocabulary in the original
// client's peer.c (tr_uploadCanUnchoke/tr_uploadUnchoked/tr_uploadChoked),
// whose own accounting lives in a upload.c this repo's retrieval pack does
// not carry, so the bucket itself is built on golang.org/x/time/rate
// rather than reimplemented by hand.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minPerPeerBytes is the heuristic per-peer share CanUnchoke budgets
// against: unchoking another peer only makes sense if the bucket can, in
// principle, still spare this many bytes per second for them.
const minPerPeerBytes = 2 * 1024

// Controller is a single process-wide upload budget, shared by every
// session's peers. A negative limit at construction means unlimited: no
// token accounting happens at all and every call is a cheap no-op.
type Controller struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	limitBytes    float64 // 0 when unlimited
	unlimited     bool
	unchokedPeers int
}

// New builds a Controller that refills at limitKBps kilobytes per second.
// A negative limitKBps means unlimited upload.
func New(limitKBps int) *Controller {
	if limitKBps < 0 {
		return &Controller{unlimited: true}
	}

	bytesPerSec := float64(limitKBps) * 1024

	return &Controller{
		// Burst equals one second's worth of tokens: the bucket can
		// never hold more credit than limit allows it to refill in 1 s,
		// matching the "refilled every 1 s by limit KB" bucket spec.
		limiter:    rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)+1),
		limitBytes: bytesPerSec,
	}
}

// SetLimit changes the upload rate at runtime, e.g. in response to a CLI
// flag or config reload. A negative value switches to unlimited.
func (c *Controller) SetLimit(limitKBps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limitKBps < 0 {
		c.unlimited = true
		c.limiter = nil
		c.limitBytes = 0
		return
	}

	bytesPerSec := float64(limitKBps) * 1024
	c.unlimited = false
	c.limitBytes = bytesPerSec
	c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)+1)
}

// CanUpload reports whether the bucket currently holds any spendable
// tokens. A session should stop serving piece data to peers once this
// goes false until the bucket refills.
func (c *Controller) CanUpload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unlimited {
		return true
	}

	return c.limiter.Tokens() > 0
}

// Uploaded debits n bytes from the bucket. Unlike a hard rate.Limiter
// check, this always happens: the bytes were already written to the
// peer's socket by the time accounting catches up, so there is nothing
// left to deny, only a debt to carry into the next refill.
func (c *Controller) Uploaded(n int) {
	if n <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unlimited {
		return
	}

	// ReserveN consumes its tokens immediately (driving the bucket
	// negative if they exceed what's available), which is exactly the
	// unconditional debit this call needs; the returned Reservation's
	// delay is not honored because the send has already happened.
	// ReserveN refuses, and consumes nothing, for more than the burst
	// size at once, so larger debits are split into burst-sized parts.
	now := time.Now()
	burst := c.limiter.Burst()

	for n > 0 {
		part := n
		if part > burst {
			part = burst
		}

		c.limiter.ReserveN(now, part)
		n -= part
	}
}

// CanUnchoke reports whether another peer can be unchoked without
// starving everyone already unchoked: the bucket must be able to spare
// at least minPerPeerBytes per second per unchoked peer, including the
// candidate.
func (c *Controller) CanUnchoke() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unlimited {
		return true
	}

	capacity := int(c.limitBytes) / minPerPeerBytes
	if capacity < 1 {
		capacity = 1
	}

	return c.unchokedPeers < capacity
}

// Unchoked records that one more peer has been unchoked.
func (c *Controller) Unchoked() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unchokedPeers++
}

// Choked records that one fewer peer is unchoked.
func (c *Controller) Choked() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unchokedPeers > 0 {
		c.unchokedPeers--
	}
}

// UnchokedCount returns the number of peers currently counted as
// unchoked, mostly useful for status reporting and tests.
func (c *Controller) UnchokedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.unchokedPeers
}
