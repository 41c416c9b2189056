// Package engine implements TorrentEngine: the lifecycle orchestrator
// that owns a torrent's Completion, Storage, PeerManager and
// RateControl, runs the periodic worker tick, and exposes the library's
// control surface.
package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"gtorrent/bitfield"
	"gtorrent/completion"
	"gtorrent/metainfo"
	"gtorrent/peer"
	"gtorrent/peerwire"
	"gtorrent/ratelimit"
	"gtorrent/storage"
	"gtorrent/swarm"
)

// State is the torrent-level run-state machine of §4.8.
type State int

const (
	Stopped State = iota
	Running
	Stopping
	Checking
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Checking:
		return "Checking"
	default:
		return "Unknown"
	}
}

// tickRunning/tickStopped are the worker's polling periods (§5).
const (
	tickRunning = 100 * time.Millisecond
	tickStopped = 1600 * time.Millisecond
)

// keepAliveInterval is how often a keepalive is sent to every connected
// session, well inside peer.KeepAliveTimeout so a quiet-but-alive link
// never looks dead to the remote side.
const keepAliveInterval = 2 * time.Minute

// checkingMutex is the process-wide "only one torrent hashes at a time"
// resource; every Engine in the process shares it (§4.8, §5).
var checkingMutex sync.Mutex

// Stats is a snapshot returned by GetStats.
type Stats struct {
	State           State
	PercentDone     float64
	PercentComplete float64
	LeftUntilDone   int64
	PeerCount       int
	InfoHash        [20]byte
	Uploaded        int64
	Downloaded      int64
}

// FileStats reports progress for one file.
type FileStats struct {
	Path     string
	Length   int64
	DND      bool
	Priority metainfo.Priority
}

// PeerStats reports one connected peer's observable state.
type PeerStats struct {
	Key          string
	AmChoking    bool
	PeerInterest bool
}

// Engine is the per-torrent orchestrator. The zero value is not usable;
// construct with one of the Init* functions.
type Engine struct {
	info    *metainfo.TorrentInfo
	destDir string
	selfID  [20]byte

	mu      sync.RWMutex // torrent lock: no Storage/socket I/O while held for write
	state   State
	dieFlag bool

	completion *completion.Completion
	storage    *storage.Storage
	swarm      *swarm.Manager
	rate       *ratelimit.Controller

	fastResumeDirty bool
	onDirty         func() // resume package hooks in here

	listenPort uint16
	pexEnabled bool

	requestOwner map[int]*peer.Session // global block index -> owning session
	bannedPeers  map[string]bool

	verifyCh chan int // pieces pending verification, drained by the worker

	doneCh chan struct{} // closed once, by Close, to join the worker for good
	wg     sync.WaitGroup

	lastKeepAlive time.Time // last time keepalives were sent to all sessions

	totalUploaded   int64 // atomic: cumulative bytes sent, this run plus restored history
	totalDownloaded int64 // atomic: cumulative bytes received, this run plus restored history
}

// Options configures a new Engine.
type Options struct {
	DestDir     string
	SelfID      [20]byte
	Global      *ratelimit.Global
	RateMode    ratelimit.Mode
	DownLimit   int
	UpLimit     int
	FdCacheSize int
	ListenPort  uint16
}

func newEngine(info *metainfo.TorrentInfo, opts Options) (*Engine, error) {
	st, err := storage.New(opts.DestDir, info, opts.FdCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: storage init: %w", err)
	}
	e := &Engine{
		info:         info,
		destDir:      opts.DestDir,
		selfID:       opts.SelfID,
		state:        Stopped,
		completion:   completion.New(info),
		storage:      st,
		rate:         ratelimit.New(opts.Global, opts.RateMode, opts.DownLimit, opts.UpLimit),
		pexEnabled:   true,
		requestOwner: make(map[int]*peer.Session),
		bannedPeers:  make(map[string]bool),
		verifyCh:     make(chan int, info.PieceCount()),
		doneCh:       make(chan struct{}),
		listenPort:   opts.ListenPort,
	}
	// isSeeding feeds the unchoke scheduler's choice of download vs
	// upload rate (§4.6); it reads completion under the engine's lock
	// since swarm has no reason to take e.mu itself.
	e.swarm = swarm.New(info, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.completion.Status() != completion.Incomplete
	})
	e.wg.Add(1)
	go e.runWorker()
	return e, nil
}

// InitFromFile loads a .torrent file from path and constructs an Engine
// in the Stopped state.
func InitFromFile(path string, opts Options) (*Engine, error) {
	info, err := metainfo.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return newEngine(info, opts)
}

// InitFromData constructs an Engine from an already-decoded TorrentInfo,
// e.g. received over a magnet/metadata exchange.
func InitFromData(info *metainfo.TorrentInfo, opts Options) (*Engine, error) {
	return newEngine(info, opts)
}

// InitFromSavedHash reconstructs an Engine's geometry from only an
// info-hash and a previously persisted TorrentInfo (the resume package's
// job to supply); the engine itself does not know how to fetch torrent
// metadata from a hash alone, this is a thin alias of InitFromData kept
// distinct for the control-surface's sake.
func InitFromSavedHash(info *metainfo.TorrentInfo, opts Options) (*Engine, error) {
	return newEngine(info, opts)
}

// Start transitions Stopped -> Running. The worker goroutine runs for
// the Engine's whole life (from construction to Close); Start only
// speeds up its tick and starts the swarm's unchoke scheduler (§4.8, §5).
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != Stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot start from state %s", e.state)
	}
	e.state = Running
	e.mu.Unlock()

	e.swarm.Start()
	return nil
}

// Stop transitions Running -> Stopping -> Stopped: the swarm's
// scheduler halts and every session closes, but the worker goroutine
// keeps ticking at the slower Stopped cadence (§4.8).
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot stop from state %s", e.state)
	}
	e.state = Stopping
	e.mu.Unlock()

	e.swarm.Stop()

	e.mu.Lock()
	e.state = Stopped
	e.mu.Unlock()
	return nil
}

// Close tears the engine down unconditionally from any state (§4.8:
// "any -> close -> Stopping with dieFlag"), joining the worker for good.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.dieFlag {
		e.mu.Unlock()
		return nil
	}
	wasRunning := e.state == Running
	e.state = Stopping
	e.dieFlag = true
	e.mu.Unlock()

	if wasRunning {
		e.swarm.Stop()
	}
	close(e.doneCh)
	e.wg.Wait()
	e.storage.Close()

	e.mu.Lock()
	e.state = Stopped
	e.mu.Unlock()
	return nil
}

// Recheck transitions Running/Stopped -> Checking, re-hashes every
// piece under the process-wide checking mutex, rebuilds Completion, and
// returns to the prior state (§4.8).
func (e *Engine) Recheck() error {
	e.mu.Lock()
	if e.state != Running && e.state != Stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot recheck from state %s", e.state)
	}
	prior := e.state
	e.state = Checking
	e.mu.Unlock()

	checkingMutex.Lock()
	defer checkingMutex.Unlock()

	for p := 0; p < e.info.PieceCount(); p++ {
		ok, err := e.storage.Verify(p)
		if err != nil {
			log.Warn().Err(err).Int("piece", p).Msg("engine: recheck verify error")
			ok = false
		}
		status := e.completion.MarkPieceVerified(p, ok)
		_ = status
		if ok {
			lo := e.info.BlockOffset(p, 0)
			for b := 0; b < e.info.BlockCount(p); b++ {
				e.completion.BlockAdd(lo + b)
			}
		}
	}

	e.mu.Lock()
	e.state = prior
	e.markDirty()
	e.mu.Unlock()
	return nil
}

func (e *Engine) markDirty() {
	e.fastResumeDirty = true
	if fn := e.onDirty; fn != nil {
		// Callers hold e.mu for writing; the hook runs on its own
		// goroutine so it can take the lock and do its I/O unlocked.
		go fn()
	}
}

// SetResumeHook registers the callback the resume package uses to be
// notified a flush is owed, invoked whenever fastResumeDirty is set.
func (e *Engine) SetResumeHook(fn func()) {
	e.mu.Lock()
	e.onDirty = fn
	e.mu.Unlock()
}

// FastResumeDirty reports and clears the dirty flag; resume's
// Snapshot.ApplyTo calls it to clear the flag after a restore.
func (e *Engine) FastResumeDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dirty := e.fastResumeDirty
	e.fastResumeDirty = false
	return dirty
}

// SetFilePriority sets a file's selection priority (§4.8 setters mutate
// under the writer lock and mark fastResumeDirty).
func (e *Engine) SetFilePriority(fileIndex int, prio metainfo.Priority) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fileIndex < 0 || fileIndex >= len(e.info.Files) {
		return fmt.Errorf("engine: file index %d out of range", fileIndex)
	}
	f := e.info.Files[fileIndex]
	first := int(f.Offset / e.info.PieceLength)
	last := int((f.Offset + f.Length - 1) / e.info.PieceLength)
	for p := first; p <= last && p < len(e.info.Pieces); p++ {
		e.info.Pieces[p].Priority = prio
	}
	e.markDirty()
	return nil
}

// SetFileDoNotDownload flags/unflags a file DND, invalidating the
// completion package's DND-derived cache.
func (e *Engine) SetFileDoNotDownload(fileIndex int, dnd bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fileIndex < 0 || fileIndex >= len(e.info.Files) {
		return fmt.Errorf("engine: file index %d out of range", fileIndex)
	}
	e.info.Files[fileIndex].DND = dnd
	f := e.info.Files[fileIndex]
	first := int(f.Offset / e.info.PieceLength)
	last := int((f.Offset + f.Length - 1) / e.info.PieceLength)
	for p := first; p <= last && p < len(e.info.Pieces); p++ {
		e.info.Pieces[p].DND = dnd
	}
	e.completion.InvalidateDndCache()
	e.completion.Recompute()
	e.markDirty()
	return nil
}

// SetSpeedLimit updates the torrent's own rate-limit bucket (meaningful
// under ModeSingle; see SetSpeedMode).
func (e *Engine) SetSpeedLimit(downBytesPerSec, upBytesPerSec int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate.SetOwnLimits(downBytesPerSec, upBytesPerSec)
	e.markDirty()
}

// SetSpeedMode switches between Global/Single/Unlimited rate modes.
func (e *Engine) SetSpeedMode(mode ratelimit.Mode, downBytesPerSec, upBytesPerSec int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate.SetMode(mode, downBytesPerSec, upBytesPerSec)
	e.markDirty()
}

// ChangeListeningPort updates the incoming port that sessions created
// afterwards advertise in their LTEP handshake; no PORT message is sent.
func (e *Engine) ChangeListeningPort(port uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listenPort = port
	e.markDirty()
}

// DisablePex clears the torrent's pex flag and marks resume state dirty.
// Nothing reads the flag: sessions still list ut_pex in their LTEP
// handshake.
func (e *Engine) DisablePex() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pexEnabled = false
	e.markDirty()
}

// GetStats returns a snapshot of overall torrent progress.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		State:           e.state,
		PercentDone:     e.completion.PercentDone(),
		PercentComplete: e.completion.PercentComplete(),
		LeftUntilDone:   e.completion.LeftUntilDone(),
		PeerCount:       e.swarm.Count(),
		InfoHash:        e.info.InfoHash,
		Uploaded:        atomic.LoadInt64(&e.totalUploaded),
		Downloaded:      atomic.LoadInt64(&e.totalDownloaded),
	}
}

// addUploaded/addDownloaded accumulate cumulative transfer totals,
// reported to the tracker and persisted across restarts (§6). Plain
// atomics since they're updated from every session's callback, off the
// torrent writer lock.
func (e *Engine) addUploaded(n int64)   { atomic.AddInt64(&e.totalUploaded, n) }
func (e *Engine) addDownloaded(n int64) { atomic.AddInt64(&e.totalDownloaded, n) }

// RestoreTransferTotals seeds the cumulative uploaded/downloaded
// counters from a prior run's persisted state; called once before the
// worker starts.
func (e *Engine) RestoreTransferTotals(uploaded, downloaded int64) {
	atomic.StoreInt64(&e.totalUploaded, uploaded)
	atomic.StoreInt64(&e.totalDownloaded, downloaded)
}

// GetFileStats returns per-file progress/selection state.
func (e *Engine) GetFileStats() []FileStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]FileStats, len(e.info.Files))
	for i, f := range e.info.Files {
		prio := metainfo.PriorityNormal
		first := int(f.Offset / e.info.PieceLength)
		if first < len(e.info.Pieces) {
			prio = e.info.Pieces[first].Priority
		}
		out[i] = FileStats{Path: f.Path, Length: f.Length, DND: f.DND, Priority: prio}
	}
	return out
}

// GetPeerStats returns per-peer observable state.
func (e *Engine) GetPeerStats() []PeerStats {
	out := make([]PeerStats, 0)
	for _, s := range e.swarm.Sessions() {
		out = append(out, PeerStats{Key: s.PeerKey(), AmChoking: s.AmChoking(), PeerInterest: s.PeerInterested()})
	}
	return out
}

// PieceBitfield returns the current piece-level completion bitfield,
// the shape the resume package persists and the wire BITFIELD sends.
func (e *Engine) PieceBitfield() *bitfield.Bitfield {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completion.PieceBitfield()
}

// RestoreVerifiedPieces marks every piece set in bf as verified without
// re-hashing, trusting a previously persisted fast-resume record. Any
// piece not covered is left exactly as Completion already has it.
func (e *Engine) RestoreVerifiedPieces(bf *bitfield.Bitfield) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := 0; p < e.info.PieceCount(); p++ {
		if !bf.Test(p) {
			continue
		}
		e.completion.MarkPieceVerified(p, true)
		lo := e.info.BlockOffset(p, 0)
		for b := 0; b < e.info.BlockCount(p); b++ {
			e.completion.BlockAdd(lo + b)
		}
	}
}

// Info returns the torrent's immutable geometry, for collaborators
// (tracker, resume) that need the info hash or file layout.
func (e *Engine) Info() *metainfo.TorrentInfo {
	return e.info
}

// DestDir returns the on-disk destination root, immutable after construction.
func (e *Engine) DestDir() string {
	return e.destDir
}

// GetPieceAvailability returns, per piece, the number of connected
// peers known to have it (rarest-first's input).
func (e *Engine) GetPieceAvailability() []int {
	e.mu.RLock()
	n := e.info.PieceCount()
	e.mu.RUnlock()
	out := make([]int, n)
	for p := 0; p < n; p++ {
		out[p] = e.swarm.AggregateHaveCount(p)
	}
	return out
}

// runWorker is the engine thread for this torrent's whole life: ticks
// at tickRunning while Running and tickStopped otherwise, drains
// verification requests, and is the only place the torrent writer lock
// is taken for longer than a single field update (§5).
func (e *Engine) runWorker() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickStopped)
	defer ticker.Stop()
	for {
		select {
		case <-e.doneCh:
			return
		case p := <-e.verifyCh:
			e.verifyPiece(p)
		case <-ticker.C:
			e.onTick()
			ticker.Reset(e.tickInterval())
		}
	}
}

func (e *Engine) tickInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == Running {
		return tickRunning
	}
	return tickStopped
}

func (e *Engine) onTick() {
	e.reapDeadSessions()
	e.sendKeepAlives()
}

// reapDeadSessions closes any session that has sent nothing for
// peer.KeepAliveTimeout, freeing its pipelined block requests so other
// peers can pick them up (§5).
func (e *Engine) reapDeadSessions() {
	for _, s := range e.swarm.Sessions() {
		if time.Since(s.LastActivity()) > peer.KeepAliveTimeout {
			log.Debug().Str("peer", s.PeerKey()).Msg("engine: reaping unresponsive peer")
			s.Close()
			e.swarm.RemoveSession(s.PeerKey())
		}
	}
}

// sendKeepAlives pings every connected session roughly every
// keepAliveInterval so the remote side's own timeout never fires on an
// otherwise-healthy, merely idle link.
func (e *Engine) sendKeepAlives() {
	now := time.Now()
	if now.Sub(e.lastKeepAlive) < keepAliveInterval {
		return
	}
	e.lastKeepAlive = now
	for _, s := range e.swarm.Sessions() {
		if err := s.SendKeepAlive(); err != nil {
			log.Debug().Err(err).Str("peer", s.PeerKey()).Msg("engine: keepalive failed")
		}
	}
}

func (e *Engine) verifyPiece(p int) {
	ok, err := e.storage.Verify(p)
	if err != nil {
		log.Error().Err(err).Int("piece", p).Msg("engine: verify failed")
		return
	}
	e.mu.Lock()
	status := e.completion.MarkPieceVerified(p, ok)
	e.markDirty()
	e.mu.Unlock()
	_ = status
	if ok {
		e.swarm.BroadcastHave(p)
	} else {
		e.punishContributors(p)
	}
}

// newSession builds a Session and its per-session Callbacks adapter,
// wiring the two-phase construction sessionCallbacks needs (§9).
func (e *Engine) newSession(io *peerwire.PeerIO, outbound bool) *peer.Session {
	cb := newSessionCallbacks(e)
	s := peer.NewSession(io, e.info, cb, e.selfID, outbound, e.listenPort)
	cb.attach(s)
	return s
}

// AddOutboundPeer dials addr, performs the handshake via the swarm
// package (which owns every PeerSession per §4.3's ownership rule), and
// admits the resulting session.
func (e *Engine) AddOutboundPeer(addr string, timeout time.Duration) error {
	cb := newSessionCallbacks(e)
	s, err := swarm.DialAndHandshake(addr, e.info, cb, e.selfID, e.listenPort, timeout)
	if err != nil {
		return err
	}
	cb.attach(s)
	return e.admit(s)
}

// AddInboundPeer wraps an already-accepted connection (from the
// application's listener) and admits it the same way as an outbound
// dial, after the handshake.
func (e *Engine) AddInboundPeer(conn net.Conn) error {
	s := e.newSession(peerwire.NewPeerIO(conn), false)
	if err := s.Handshake(); err != nil {
		s.Close()
		return err
	}
	return e.admit(s)
}

func (e *Engine) admit(s *peer.Session) error {
	if e.bannedPeers[s.PeerKey()] {
		s.Close()
		return fmt.Errorf("engine: peer %s is banned", s.PeerKey())
	}
	if err := e.swarm.AddSession(s); err != nil {
		s.Close()
		return err
	}
	e.mu.RLock()
	bf := e.completion.PieceBitfield()
	e.mu.RUnlock()
	if err := s.SendBitfield(bf); err != nil {
		log.Debug().Err(err).Str("peer", s.PeerKey()).Msg("engine: failed to send initial bitfield")
	}
	go func() {
		s.Run()
		e.swarm.RemoveSession(s.PeerKey())
	}()
	return nil
}

// punishContributors assesses a ban point against every session that
// contributed a block to a piece that failed verification (§4.5 step 5).
func (e *Engine) punishContributors(p int) {
	for _, s := range e.swarm.Sessions() {
		if s.Blame().Test(p) {
			if s.AssessBanPoint() {
				e.bannedPeers[s.PeerKey()] = true
				s.Close()
			}
		}
	}
}
