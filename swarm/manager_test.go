package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtorrent/metainfo"
)

func testInfo() *metainfo.TorrentInfo {
	return &metainfo.TorrentInfo{
		PieceLength: 16,
		TotalLength: 32,
		Files:       []metainfo.FileEntry{{Path: "f", Length: 32, Offset: 0}},
		Pieces:      []metainfo.PieceEntry{{}, {}},
	}
}

func TestAddCandidateDeduplicatesByAddress(t *testing.T) {
	m := New(testInfo(), nil)
	m.AddCandidate("1.2.3.4", 6881, SourceTracker)
	m.AddCandidate("1.2.3.4", 6881, SourcePEX)

	c, ok := m.NextCandidate()
	require.True(t, ok)
	assert.Equal(t, SourceTracker, c.Source, "first-seen provenance wins over the duplicate")

	_, ok = m.NextCandidate()
	assert.False(t, ok, "the duplicate must not have been queued a second time")
}

func TestNextCandidateSkipsDirtyWithinCooldown(t *testing.T) {
	m := New(testInfo(), nil)
	m.AddCandidate("1.2.3.4", 6881, SourceTracker)
	m.MarkCandidateDirty("1.2.3.4", 6881)

	_, ok := m.NextCandidate()
	assert.False(t, ok, "a freshly dirtied candidate is cooling down")
}

func TestAggregateHaveCountWithNoSessionsIsZero(t *testing.T) {
	m := New(testInfo(), nil)
	assert.Equal(t, 0, m.AggregateHaveCount(0))
}

func TestCountReflectsEmptyManager(t *testing.T) {
	m := New(testInfo(), nil)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.Sessions())
}

func TestRateOfSwitchesByRoleSeedingPrefersUpload(t *testing.T) {
	fastUploader := &sessionEntry{downloadRate: 10, uploadRate: 1000}
	fastDownloader := &sessionEntry{downloadRate: 1000, uploadRate: 10}

	assert.Greater(t, rateOf(fastDownloader, false), rateOf(fastUploader, false), "leeching ranks by download rate")
	assert.Greater(t, rateOf(fastUploader, true), rateOf(fastDownloader, true), "seeding ranks by upload rate")
}

func TestRecordRatesUpdatesKnownSessionOnly(t *testing.T) {
	m := New(testInfo(), nil)
	m.sessions["1.2.3.4:6881"] = &sessionEntry{}

	m.RecordRates("1.2.3.4:6881", 42, 7)
	assert.Equal(t, 42.0, m.sessions["1.2.3.4:6881"].downloadRate)
	assert.Equal(t, 7.0, m.sessions["1.2.3.4:6881"].uploadRate)

	m.RecordRates("unknown:0", 1, 1) // must not panic or add a new entry
	assert.Len(t, m.sessions, 1)
}
