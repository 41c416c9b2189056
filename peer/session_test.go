package peer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtorrent/bitfield"
	"gtorrent/metainfo"
	"gtorrent/peerwire"
)

// fakeCallbacks is a minimal in-memory implementation of the
// Callbacks interface, enough to drive the protocol state machine under
// test without a real Completion/Storage.
type fakeCallbacks struct {
	mu         sync.Mutex
	have       map[int]bool
	requested  map[int]*Session
	writes     map[int][]byte
	verifyReqs []int
	dnd        map[int]bool
	complete   map[int]bool
	haveCounts map[int]int
}

func newFakeCallbacks(pieceCount int) *fakeCallbacks {
	return &fakeCallbacks{
		have:       make(map[int]bool),
		requested:  make(map[int]*Session),
		writes:     make(map[int][]byte),
		dnd:        make(map[int]bool),
		complete:   make(map[int]bool),
		haveCounts: make(map[int]int),
	}
}

func (f *fakeCallbacks) WriteBlock(piece int, offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[piece] = append(f.writes[piece], data...)
	return nil
}
func (f *fakeCallbacks) BlockAdd(idx int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.have[idx] = true
	return true
}
func (f *fakeCallbacks) BlockRemove(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.have, idx)
}
func (f *fakeCallbacks) BlockIsComplete(idx int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.have[idx]
}
func (f *fakeCallbacks) IsRequestedElsewhere(idx int, exclude *Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.requested[idx]
	return ok && owner != exclude
}
func (f *fakeCallbacks) MarkRequested(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested[idx] = nil
}
func (f *fakeCallbacks) UnmarkRequested(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.requested, idx)
}
func (f *fakeCallbacks) PieceIsComplete(p int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete[p]
}
func (f *fakeCallbacks) PieceDND(p int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dnd[p]
}
func (f *fakeCallbacks) RequestVerify(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyReqs = append(f.verifyReqs, p)
}
func (f *fakeCallbacks) AggregateHaveCount(p int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.haveCounts[p]
}
func (f *fakeCallbacks) AllowDownload(n int) bool { return true }
func (f *fakeCallbacks) ConsumeDownload(n int)    {}
func (f *fakeCallbacks) AllowUpload(n int) bool   { return true }
func (f *fakeCallbacks) ConsumeUpload(n int)      {}
func (f *fakeCallbacks) ReadBlock(piece int, offset int64, length int) ([]byte, error) {
	return make([]byte, length), nil
}
func (f *fakeCallbacks) PeerBanned(peerKey string) bool { return false }

func twoPieceTorrentInfo() *metainfo.TorrentInfo {
	return &metainfo.TorrentInfo{
		PieceLength: 16,
		TotalLength: 32,
		Files:       []metainfo.FileEntry{{Path: "f", Length: 32, Offset: 0}},
		Pieces:      []metainfo.PieceEntry{{}, {}},
	}
}

func pipeSessions(t *testing.T, info *metainfo.TorrentInfo, cbA, cbB Callbacks) (*Session, *Session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var idA, idB [20]byte
	copy(idA[:], "AAAAAAAAAAAAAAAAAAAA")
	copy(idB[:], "BBBBBBBBBBBBBBBBBBBB")

	serverCh := make(chan *Session, 1)
	go func() {
		conn, _ := ln.Accept()
		sess := NewSession(peerwire.NewPeerIO(conn), info, cbB, idB, false, 6882)
		sess.Handshake()
		serverCh <- sess
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := NewSession(peerwire.NewPeerIO(conn), info, cbA, idA, true, 6881)
	require.NoError(t, client.Handshake())

	server := <-serverCh
	return client, server
}

func TestHandshakeEstablishesConnectedState(t *testing.T) {
	info := twoPieceTorrentInfo()
	cbA := newFakeCallbacks(2)
	cbB := newFakeCallbacks(2)
	client, server := pipeSessions(t, info, cbA, cbB)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, Connected, client.ConnState())
	assert.Equal(t, Connected, server.ConnState())
}

func TestBitfieldDrivesInterest(t *testing.T) {
	info := twoPieceTorrentInfo()
	cbA := newFakeCallbacks(2)
	cbB := newFakeCallbacks(2)
	client, server := pipeSessions(t, info, cbA, cbB)
	defer client.Close()
	defer server.Close()

	go client.Run()
	go server.Run()

	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)
	require.NoError(t, server.SendBitfield(bf))

	require.Eventually(t, func() bool {
		return client.HasPiece(0) && client.HasPiece(1)
	}, time.Second, 5*time.Millisecond)
}

func TestBanAccountingCrossesThreshold(t *testing.T) {
	info := twoPieceTorrentInfo()
	s := NewSession(nil, info, newFakeCallbacks(2), [20]byte{}, true, 6881)
	// AssessBanPoint is independent of the wire connection.
	assert.False(t, s.AssessBanPoint())
	assert.False(t, s.AssessBanPoint())
	assert.True(t, s.AssessBanPoint(), "third failure must cross BanThreshold")
}
