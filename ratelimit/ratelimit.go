// Package ratelimit implements RateControl: a two-level token-bucket
// composition (global budget over per-torrent budget) gating both the
// upload and download directions, grounded on the token-bucket shape
// of golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Mode selects how a torrent's speed budget relates to the global one.
type Mode int

const (
	// ModeGlobal means the torrent shares the process-wide bucket with
	// no bucket of its own.
	ModeGlobal Mode = iota
	// ModeSingle gives the torrent its own bucket in addition to the
	// global one; both must have capacity for a transfer to proceed.
	ModeSingle
	// ModeUnlimited bypasses rate control entirely for this torrent.
	ModeUnlimited
)

// Unlimited is the sentinel rate used to mean "no cap" (rate.Inf would
// also work, but an explicit constant reads clearer at call sites).
const Unlimited = -1

// direction holds one token bucket.
type direction struct {
	limiter *rate.Limiter
	mu      sync.Mutex
}

func newDirection(bytesPerSec int) *direction {
	if bytesPerSec <= 0 {
		return &direction{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	// Burst equals one second of budget rather than a per-request burst.
	return &direction{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

func (d *direction) setLimit(bytesPerSec int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bytesPerSec <= 0 {
		d.limiter.SetLimit(rate.Inf)
		return
	}
	d.limiter.SetLimit(rate.Limit(bytesPerSec))
	d.limiter.SetBurst(bytesPerSec)
}

// allow reports whether n bytes could be consumed right now, without
// actually debiting the bucket: it reserves, checks the reservation
// needed no wait, and immediately cancels so the tokens are given back.
// The caller is expected to debit exactly once, later, via consume.
func (d *direction) allow(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.limiter.ReserveN(time.Now(), n)
	ok := r.OK() && r.Delay() == 0
	r.Cancel()
	return ok
}

// consume debits n bytes unconditionally (used after an allow() check
// already admitted the transfer, or for accounting overflow traffic
// that cannot be un-sent, e.g. a PIECE already written to the wire
// buffer).
func (d *direction) consume(n int) {
	d.limiter.ReserveN(time.Now(), n)
}

// Controller composes a global budget and a per-torrent budget for one
// direction set (download, upload).
type Controller struct {
	mode Mode

	globalDown, globalUp *direction
	ownDown, ownUp       *direction
}

// Global is the process-wide controller every torrent's Controller may
// share when operating in ModeGlobal.
type Global struct {
	down, up *direction
}

// NewGlobal creates the process-wide budget; a non-positive limit means
// unlimited.
func NewGlobal(downBytesPerSec, upBytesPerSec int) *Global {
	return &Global{down: newDirection(downBytesPerSec), up: newDirection(upBytesPerSec)}
}

// SetLimits updates the global budget in place.
func (g *Global) SetLimits(downBytesPerSec, upBytesPerSec int) {
	g.down.setLimit(downBytesPerSec)
	g.up.setLimit(upBytesPerSec)
}

// New creates a per-torrent Controller. global may be nil only when
// mode is ModeUnlimited.
func New(global *Global, mode Mode, downBytesPerSec, upBytesPerSec int) *Controller {
	c := &Controller{mode: mode}
	if global != nil {
		c.globalDown, c.globalUp = global.down, global.up
	}
	if mode == ModeSingle {
		c.ownDown = newDirection(downBytesPerSec)
		c.ownUp = newDirection(upBytesPerSec)
	}
	return c
}

// SetMode switches the torrent between Global/Single/Unlimited, lazily
// allocating its own buckets if entering ModeSingle for the first time.
func (c *Controller) SetMode(mode Mode, downBytesPerSec, upBytesPerSec int) {
	c.mode = mode
	if mode == ModeSingle && c.ownDown == nil {
		c.ownDown = newDirection(downBytesPerSec)
		c.ownUp = newDirection(upBytesPerSec)
	}
}

// SetOwnLimits updates the torrent-local budget (only meaningful under
// ModeSingle).
func (c *Controller) SetOwnLimits(downBytesPerSec, upBytesPerSec int) {
	if c.ownDown == nil {
		c.ownDown = newDirection(downBytesPerSec)
		c.ownUp = newDirection(upBytesPerSec)
		return
	}
	c.ownDown.setLimit(downBytesPerSec)
	c.ownUp.setLimit(upBytesPerSec)
}

// AllowDownload reports whether n bytes of download may proceed without
// debiting any bucket. Both the global and the per-torrent bucket (if
// any) must have room: the composition is a logical AND of the two
// gates, never partial debit of one while the other blocks.
func (c *Controller) AllowDownload(n int) bool {
	return c.allow(c.globalDown, c.directionDown(), n)
}

// AllowUpload mirrors AllowDownload for the upload direction.
func (c *Controller) AllowUpload(n int) bool {
	return c.allow(c.globalUp, c.directionUp(), n)
}

func (c *Controller) allow(global, own *direction, n int) bool {
	if c.mode == ModeUnlimited {
		return true
	}
	if own != nil && !own.allow(n) {
		return false
	}
	if global != nil && !global.allow(n) {
		return false
	}
	return true
}

// ConsumeDownload debits n bytes from whichever buckets gate this
// torrent's download direction.
func (c *Controller) ConsumeDownload(n int) {
	c.consume(c.globalDown, c.directionDown(), n)
}

// ConsumeUpload debits n bytes from whichever buckets gate this
// torrent's upload direction.
func (c *Controller) ConsumeUpload(n int) {
	c.consume(c.globalUp, c.directionUp(), n)
}

func (c *Controller) consume(global, own *direction, n int) {
	if c.mode == ModeUnlimited {
		return
	}
	if own != nil {
		own.consume(n)
	}
	if global != nil {
		global.consume(n)
	}
}

func (c *Controller) directionDown() *direction {
	if c.mode == ModeSingle {
		return c.ownDown
	}
	return nil
}

func (c *Controller) directionUp() *direction {
	if c.mode == ModeSingle {
		return c.ownUp
	}
	return nil
}

// Mode reports the controller's current mode.
func (c *Controller) Mode() Mode { return c.mode }
