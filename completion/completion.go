// Package completion tracks per-block "have"/"requested" state and
// projects it to piece-level and whole-torrent completion status.
package completion

import (
	"gtorrent/bitfield"
	"gtorrent/metainfo"
)

// Status is the whole-torrent completion state (§4.2, GLOSSARY).
type Status int

const (
	Incomplete Status = iota
	Done
	Complete
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "Incomplete"
	case Done:
		return "Done"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Completion holds block-level have/requested bitfields and caches
// per-piece have-block counters; whole-torrent progress queries walk
// the pieces.
type Completion struct {
	info *metainfo.TorrentInfo

	have      *bitfield.Bitfield // block-level: written and accounted
	requested *bitfield.Bitfield // block-level: currently pipelined

	pieceBlockCount []int  // cached count of have blocks, per piece
	pieceVerified   []bool // SHA-1 verified, per piece

	dndDirty bool
	status   Status
}

// New builds a Completion for info, all blocks initially absent.
func New(info *metainfo.TorrentInfo) *Completion {
	total := info.TotalBlockCount()
	c := &Completion{
		info:            info,
		have:            bitfield.New(total),
		requested:       bitfield.New(total),
		pieceBlockCount: make([]int, info.PieceCount()),
		pieceVerified:   make([]bool, info.PieceCount()),
		status:          Incomplete,
	}
	return c
}

// pieceOfBlock returns which piece a flat block index belongs to, and
// the block's index within that piece.
func (c *Completion) pieceOfBlock(block int) (piece, localBlock int) {
	remaining := block
	for p := 0; p < c.info.PieceCount(); p++ {
		bc := c.info.BlockCount(p)
		if remaining < bc {
			return p, remaining
		}
		remaining -= bc
	}
	return -1, -1
}

// BlockAdd records block b as present. It is idempotent: adding an
// already-present block has no further effect (invariant 2). It returns
// true exactly when this call caused all blocks of the enclosing piece
// to become present — the piece is then a verification candidate.
func (c *Completion) BlockAdd(b int) (candidateForVerify bool) {
	if c.have.Test(b) {
		return false
	}
	c.have.Set(b)
	c.requested.Clear(b)

	piece, _ := c.pieceOfBlock(b)
	if piece < 0 {
		return false
	}
	c.pieceBlockCount[piece]++
	c.dndDirty = true
	if c.pieceBlockCount[piece] == c.info.BlockCount(piece) {
		return true
	}
	return false
}

// BlockRemove clears block b (e.g. a failed-verify piece re-download).
// Combined with a prior BlockAdd, this returns Completion to the prior
// piece-level status (invariant 2).
func (c *Completion) BlockRemove(b int) {
	if !c.have.Test(b) {
		return
	}
	c.have.Clear(b)
	piece, _ := c.pieceOfBlock(b)
	if piece < 0 {
		return
	}
	c.pieceBlockCount[piece]--
	c.pieceVerified[piece] = false
	c.dndDirty = true
}

// BlockIsComplete reports whether block b has been written and accounted.
func (c *Completion) BlockIsComplete(b int) bool {
	return c.have.Test(b)
}

// RequestAdd marks block b as currently pipelined to some peer.
func (c *Completion) RequestAdd(b int) {
	c.requested.Set(b)
}

// RequestRemove clears the pipelined marker for block b, e.g. when the
// owning peer chokes us or the request is cancelled.
func (c *Completion) RequestRemove(b int) {
	c.requested.Clear(b)
}

// IsRequested reports whether block b is currently pipelined.
func (c *Completion) IsRequested(b int) bool {
	return c.requested.Test(b)
}

// MarkPieceVerified records the outcome of Storage.Verify for piece p.
// On failure every block of the piece is cleared from `have` so it can
// be re-downloaded. It returns the resulting whole-torrent Status;
// callers should compare against the previously observed status to
// detect the edge-triggered transitions required by §4.2.
func (c *Completion) MarkPieceVerified(p int, ok bool) Status {
	if ok {
		c.pieceVerified[p] = true
	} else {
		c.pieceVerified[p] = false
		lo := c.info.BlockOffset(p, 0)
		hi := lo + c.info.BlockCount(p)
		for b := lo; b < hi; b++ {
			c.have.Clear(b)
		}
		c.pieceBlockCount[p] = 0
	}
	c.dndDirty = true
	return c.recomputeStatus()
}

// PieceIsComplete reports whether piece p has all its blocks present
// AND has been SHA-1 verified (§4.2).
func (c *Completion) PieceIsComplete(p int) bool {
	if p < 0 || p >= len(c.pieceVerified) {
		return false
	}
	return c.pieceVerified[p]
}

// PieceBitfield projects block-level completeness to a piece-level
// bitfield suitable for the wire BITFIELD message.
func (c *Completion) PieceBitfield() *bitfield.Bitfield {
	bf := bitfield.New(c.info.PieceCount())
	for p := 0; p < c.info.PieceCount(); p++ {
		if c.PieceIsComplete(p) {
			bf.Set(p)
		}
	}
	return bf
}

// LeftUntilDone returns the number of bytes still needed to reach Done
// (non-DND pieces only).
func (c *Completion) LeftUntilDone() int64 {
	var left int64
	for p := 0; p < c.info.PieceCount(); p++ {
		if c.info.Pieces[p].DND {
			continue
		}
		if !c.PieceIsComplete(p) {
			left += c.haveBytesMissing(p)
		}
	}
	return left
}

func (c *Completion) haveBytesMissing(p int) int64 {
	var missing int64
	lo := c.info.BlockOffset(p, 0)
	for b := 0; b < c.info.BlockCount(p); b++ {
		if !c.have.Test(lo + b) {
			missing += c.info.BlockLen(p, b)
		}
	}
	return missing
}

// PercentDone returns the fraction of non-DND content obtained,
// in [0,1]. DND pieces count toward "done" per the glossary.
func (c *Completion) PercentDone() float64 {
	total := 0
	done := 0
	for p := 0; p < c.info.PieceCount(); p++ {
		if c.info.Pieces[p].DND {
			continue
		}
		total++
		if c.PieceIsComplete(p) {
			done++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(done) / float64(total)
}

// PercentComplete returns the fraction of ALL pieces verified,
// including DND ones, in [0,1].
func (c *Completion) PercentComplete() float64 {
	total := c.info.PieceCount()
	if total == 0 {
		return 1.0
	}
	done := 0
	for p := 0; p < total; p++ {
		if c.PieceIsComplete(p) {
			done++
		}
	}
	return float64(done) / float64(total)
}

// InvalidateDndCache marks cached DND-derived state stale after a DND
// flag flips. Status keeps returning the cached value until Recompute
// or MarkPieceVerified recomputes it.
func (c *Completion) InvalidateDndCache() {
	c.dndDirty = true
}

// Status returns the last computed whole-torrent status.
func (c *Completion) Status() Status {
	return c.status
}

// recomputeStatus derives Incomplete/Done/Complete from piece state.
func (c *Completion) recomputeStatus() Status {
	allComplete := true
	allDone := true
	for p := 0; p < c.info.PieceCount(); p++ {
		verified := c.PieceIsComplete(p)
		if !verified {
			allComplete = false
			if !c.info.Pieces[p].DND {
				allDone = false
			}
		}
	}
	switch {
	case allComplete:
		c.status = Complete
	case allDone:
		c.status = Done
	default:
		c.status = Incomplete
	}
	c.dndDirty = false
	return c.status
}

// Recompute forces a status recomputation, e.g. after InvalidateDndCache.
func (c *Completion) Recompute() Status {
	return c.recomputeStatus()
}
