package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gtorrent/metainfo"
)

// twoPieceInfo builds a 32-byte, 2-piece, single-file torrent info
// directly (bypassing bencode) for focused unit tests.
func twoPieceInfo() *metainfo.TorrentInfo {
	return &metainfo.TorrentInfo{
		PieceLength: 16,
		TotalLength: 32,
		Files:       []metainfo.FileEntry{{Path: "f", Length: 32, Offset: 0}},
		Pieces: []metainfo.PieceEntry{
			{Priority: metainfo.PriorityNormal},
			{Priority: metainfo.PriorityNormal},
		},
	}
}

func TestBlockAddIdempotentInvariant(t *testing.T) {
	info := twoPieceInfo()
	c := New(info)

	assert.False(t, c.BlockIsComplete(0))
	candidate := c.BlockAdd(0)
	assert.True(t, candidate, "piece 0 has only 1 block of 16KiB here, should complete")
	// With BlockSize=16KiB and piece length 16 bytes, BlockCount==1, so
	// the single block completes the piece immediately.
	assert.True(t, c.BlockIsComplete(0))

	// idempotent
	candidate2 := c.BlockAdd(0)
	assert.False(t, candidate2)
	assert.True(t, c.BlockIsComplete(0))
}

func TestBlockAddThenRemoveRestoresPriorStatus(t *testing.T) {
	info := twoPieceInfo()
	c := New(info)

	before := c.PieceIsComplete(0)
	c.BlockAdd(0)
	c.MarkPieceVerified(0, true)
	assert.True(t, c.PieceIsComplete(0))

	c.BlockRemove(0)
	assert.Equal(t, before, c.PieceIsComplete(0))
}

func TestPieceCompleteRequiresVerification(t *testing.T) {
	info := twoPieceInfo()
	c := New(info)
	c.BlockAdd(0)
	// All blocks present, but not yet verified: piece is not "complete".
	assert.False(t, c.PieceIsComplete(0))

	status := c.MarkPieceVerified(0, true)
	assert.True(t, c.PieceIsComplete(0))
	assert.Equal(t, Incomplete, status) // piece 1 still missing
}

func TestVerifyFailureClearsBlocks(t *testing.T) {
	info := twoPieceInfo()
	c := New(info)
	c.BlockAdd(0)
	c.MarkPieceVerified(0, false)
	assert.False(t, c.BlockIsComplete(0))
	assert.False(t, c.PieceIsComplete(0))
}

func TestOverallStatusTransitions(t *testing.T) {
	info := twoPieceInfo()
	c := New(info)
	require.Equal(t, Incomplete, c.Status())

	c.BlockAdd(0)
	c.MarkPieceVerified(0, true)
	c.BlockAdd(1)
	status := c.MarkPieceVerified(1, true)
	assert.Equal(t, Complete, status)
}

func TestDndPieceCountsTowardDoneNotComplete(t *testing.T) {
	info := twoPieceInfo()
	info.Pieces[1].DND = true
	c := New(info)

	c.BlockAdd(0)
	status := c.MarkPieceVerified(0, true)
	assert.Equal(t, Done, status)
	assert.Equal(t, 1.0, c.PercentDone())
	assert.Less(t, c.PercentComplete(), 1.0)

	// Flipping DND off re-enters Incomplete.
	info.Pieces[1].DND = false
	c.InvalidateDndCache()
	status = c.Recompute()
	assert.Equal(t, Incomplete, status)
}

func TestPieceBitfieldProjection(t *testing.T) {
	info := twoPieceInfo()
	c := New(info)
	c.BlockAdd(0)
	c.MarkPieceVerified(0, true)

	bf := c.PieceBitfield()
	assert.True(t, bf.Test(0))
	assert.False(t, bf.Test(1))
}
