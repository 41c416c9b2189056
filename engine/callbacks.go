package engine

import (
	"sync"
	"time"

	"gtorrent/peer"
)

// rateSampleWindow is how often a session's accumulated transfer bytes
// are folded into a rate and reported to the swarm's unchoke scheduler.
const rateSampleWindow = 5 * time.Second

// sessionCallbacks is the per-session capability handle (§9): each
// PeerSession gets its own instance closing over both the owning Engine
// and the session itself, so MarkRequested/UnmarkRequested can record
// per-session ownership even though the peer.Callbacks interface itself
// only passes the session explicitly to IsRequestedElsewhere.
type sessionCallbacks struct {
	e    *Engine
	sess *peer.Session

	rateMu      sync.Mutex
	windowStart time.Time
	downBytes   int64
	upBytes     int64
}

var _ peer.Callbacks = (*sessionCallbacks)(nil)

func (c *sessionCallbacks) WriteBlock(piece int, offset int64, data []byte) error {
	return c.e.storage.Write(piece, offset, int64(len(data)), data)
}

func (c *sessionCallbacks) BlockAdd(globalBlockIndex int) bool {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	return c.e.completion.BlockAdd(globalBlockIndex)
}

func (c *sessionCallbacks) BlockRemove(globalBlockIndex int) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.e.completion.BlockRemove(globalBlockIndex)
}

func (c *sessionCallbacks) BlockIsComplete(globalBlockIndex int) bool {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	return c.e.completion.BlockIsComplete(globalBlockIndex)
}

func (c *sessionCallbacks) IsRequestedElsewhere(globalBlockIndex int, exclude *peer.Session) bool {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	owner, ok := c.e.requestOwner[globalBlockIndex]
	return ok && owner != exclude
}

func (c *sessionCallbacks) MarkRequested(globalBlockIndex int) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.e.completion.RequestAdd(globalBlockIndex)
	c.e.requestOwner[globalBlockIndex] = c.sess
}

func (c *sessionCallbacks) UnmarkRequested(globalBlockIndex int) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.e.completion.RequestRemove(globalBlockIndex)
	if c.e.requestOwner[globalBlockIndex] == c.sess {
		delete(c.e.requestOwner, globalBlockIndex)
	}
}

func (c *sessionCallbacks) PieceIsComplete(piece int) bool {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	return c.e.completion.PieceIsComplete(piece)
}

func (c *sessionCallbacks) PieceDND(piece int) bool {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	if piece < 0 || piece >= len(c.e.info.Pieces) {
		return false
	}
	return c.e.info.Pieces[piece].DND
}

func (c *sessionCallbacks) RequestVerify(piece int) {
	select {
	case c.e.verifyCh <- piece:
	default:
		// Verification channel is sized to PieceCount and a piece can
		// only become a candidate once per completion cycle, so this
		// should never block; drop rather than stall the peer session
		// if it somehow does.
	}
}

func (c *sessionCallbacks) AggregateHaveCount(piece int) int {
	return c.e.swarm.AggregateHaveCount(piece)
}

func (c *sessionCallbacks) AllowDownload(n int) bool {
	return c.e.rate.AllowDownload(n)
}

func (c *sessionCallbacks) ConsumeDownload(n int) {
	c.e.rate.ConsumeDownload(n)
	c.e.addDownloaded(int64(n))
	c.recordSample(int64(n), 0)
}

func (c *sessionCallbacks) AllowUpload(n int) bool {
	return c.e.rate.AllowUpload(n)
}

func (c *sessionCallbacks) ConsumeUpload(n int) {
	c.e.rate.ConsumeUpload(n)
	c.e.addUploaded(int64(n))
	c.recordSample(0, int64(n))
}

// recordSample accumulates bytes transferred and, once a full
// rateSampleWindow has elapsed, folds them into a bytes/sec rate and
// reports it to the swarm's unchoke scheduler (§4.6), which ranks
// peers by recent throughput.
func (c *sessionCallbacks) recordSample(down, up int64) {
	c.rateMu.Lock()
	now := time.Now()
	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	c.downBytes += down
	c.upBytes += up
	elapsed := now.Sub(c.windowStart).Seconds()
	if elapsed < rateSampleWindow.Seconds() {
		c.rateMu.Unlock()
		return
	}
	downRate := float64(c.downBytes) / elapsed
	upRate := float64(c.upBytes) / elapsed
	c.downBytes, c.upBytes = 0, 0
	c.windowStart = now
	c.rateMu.Unlock()

	c.e.swarm.RecordRates(c.sess.PeerKey(), downRate, upRate)
}

func (c *sessionCallbacks) ReadBlock(piece int, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := c.e.storage.Read(piece, offset, int64(length), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *sessionCallbacks) PeerBanned(peerKey string) bool {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	return c.e.bannedPeers[peerKey]
}

// newSessionCallbacks wires a fresh sessionCallbacks for a session about
// to be constructed; the caller must assign the returned adapter's
// session field once the session exists (attach).
func newSessionCallbacks(e *Engine) *sessionCallbacks {
	return &sessionCallbacks{e: e}
}

func (c *sessionCallbacks) attach(s *peer.Session) {
	c.sess = s
}
