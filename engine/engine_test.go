package engine

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtorrent/metainfo"
)

func twoPieceInfo(t *testing.T) *metainfo.TorrentInfo {
	t.Helper()
	data1 := []byte("0123456789abcdef")
	data2 := []byte("ZYXWVUTSRQPONMLK")
	return &metainfo.TorrentInfo{
		PieceLength: 16,
		TotalLength: 32,
		Files:       []metainfo.FileEntry{{Path: "out.bin", Length: 32, Offset: 0}},
		Pieces: []metainfo.PieceEntry{
			{Hash: sha1.Sum(data1)},
			{Hash: sha1.Sum(data2)},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	info := twoPieceInfo(t)
	e, err := InitFromData(info, Options{DestDir: t.TempDir(), FdCacheSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestLifecycleStartStopRecheck(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, Stopped, e.GetStats().State)

	require.NoError(t, e.Start())
	assert.Equal(t, Running, e.GetStats().State)
	assert.Error(t, e.Start(), "starting twice must fail")

	require.NoError(t, e.Stop())
	assert.Equal(t, Stopped, e.GetStats().State)
	assert.Error(t, e.Stop(), "stopping twice must fail")

	require.NoError(t, e.Recheck())
	assert.Equal(t, Stopped, e.GetStats().State, "recheck returns to the prior state")
}

func TestCloseFromRunningSetsDieFlagAndStops(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Start())
	require.NoError(t, e.Close())
	assert.True(t, e.dieFlag)
	assert.Equal(t, Stopped, e.GetStats().State)
}

func TestSetFileDoNotDownloadInvalidatesCompletion(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetFileDoNotDownload(0, true))
	stats := e.GetFileStats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].DND)
	assert.Equal(t, 1.0, e.GetStats().PercentDone, "DND content counts toward done (glossary)")
}

func TestSetFilePriorityPromotesPieces(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetFilePriority(0, metainfo.PriorityHigh))
	stats := e.GetFileStats()
	assert.Equal(t, metainfo.PriorityHigh, stats[0].Priority)
}

func TestFastResumeDirtyClearsOnRead(t *testing.T) {
	e := newTestEngine(t)
	assert.False(t, e.FastResumeDirty())
	require.NoError(t, e.SetFilePriority(0, metainfo.PriorityHigh))
	assert.True(t, e.FastResumeDirty())
	assert.False(t, e.FastResumeDirty(), "reading the flag clears it")
}

func TestRecheckVerifiesExistingContentOnDisk(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.storage.Write(0, 0, 16, []byte("0123456789abcdef")))
	require.NoError(t, e.storage.Write(1, 0, 16, []byte("ZYXWVUTSRQPONMLK")))

	require.NoError(t, e.Recheck())
	assert.True(t, e.completion.PieceIsComplete(0))
	assert.True(t, e.completion.PieceIsComplete(1))
	assert.Equal(t, 1.0, e.GetStats().PercentComplete)
}

func TestInboundPeerHandshakeAdmitsSession(t *testing.T) {
	eA := newTestEngine(t)
	eB := newTestEngine(t)
	// Same InfoHash on both ends is required for a successful handshake.
	eB.info.InfoHash = eA.info.InfoHash
	// Distinct peer ids, or the handshake is rejected as a self-connect.
	eA.selfID[0] = 'A'
	eB.selfID[0] = 'B'

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		acceptErr <- eB.AddInboundPeer(conn)
	}()

	require.NoError(t, eA.AddOutboundPeer(ln.Addr().String(), 2*time.Second))
	require.NoError(t, <-acceptErr)

	assert.Equal(t, 1, eA.GetStats().PeerCount)
	assert.Equal(t, 1, eB.GetStats().PeerCount)
}
