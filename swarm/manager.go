// Package swarm implements PeerManager: the set of active PeerSessions
// for one torrent, peer discovery intake, and the unchoke scheduler
// (§4.6).
package swarm

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"gtorrent/metainfo"
	"gtorrent/peer"
	"gtorrent/peerwire"
)

// MaxPeers is the default per-torrent connection limit (§4.6).
const MaxPeers = 60

// UnchokeInterval is how often the regular unchoke decision runs.
const UnchokeInterval = 10 * time.Second

// OptimisticUnchokeInterval is how often one extra choked peer is
// unchoked regardless of rate.
const OptimisticUnchokeInterval = 30 * time.Second

// OptimisticUnchokeCount is the number of regular unchoke slots (K).
const OptimisticUnchokeCount = 4

// newPeerWeight is the multiplier applied to peers introduced within
// the last minute when picking the optimistic-unchoke candidate.
const newPeerWeight = 3
const newPeerWindow = 60 * time.Second

// Source tags the provenance of a candidate peer address.
type Source int

const (
	SourceTracker Source = iota
	SourcePEX
	SourceIncoming
	SourceResume
)

// Candidate is a not-yet-connected peer address.
type Candidate struct {
	IP       string
	Port     uint16
	Source   Source
	dirty    bool // protocol violation seen; cooled down
	dirtyAt  time.Time
}

func (c *Candidate) key() string { return fmt.Sprintf("%s:%d", c.IP, c.Port) }

const candidateCooldown = 5 * time.Minute

// sessionEntry pairs a session with bookkeeping the scheduler needs.
type sessionEntry struct {
	session     *peer.Session
	correlation string
	introducedAt time.Time
	downloadRate float64
	uploadRate   float64
}

// Manager owns every PeerSession for one torrent.
type Manager struct {
	info *metainfo.TorrentInfo

	mu         sync.RWMutex
	sessions   map[string]*sessionEntry // keyed by PeerKey
	candidates map[string]*Candidate
	waiting    []*Candidate
	maxPeers   int

	rng *rand.Rand

	// isSeeding reports whether the torrent's wanted content is fully
	// verified, so the unchoke scheduler knows whether to rank peers by
	// download or upload rate (§4.6).
	isSeeding func() bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty PeerManager for info. isSeeding reports whether
// the owning torrent is currently seeding rather than leeching; nil
// means always-leeching (rank by download rate).
func New(info *metainfo.TorrentInfo, isSeeding func() bool) *Manager {
	if isSeeding == nil {
		isSeeding = func() bool { return false }
	}
	return &Manager{
		info:       info,
		sessions:   make(map[string]*sessionEntry),
		candidates: make(map[string]*Candidate),
		maxPeers:   MaxPeers,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		isSeeding:  isSeeding,
		stopCh:     make(chan struct{}),
	}
}

// AddCandidate registers a discovered peer address with provenance,
// deduplicating by (ip, port) (§4.3 PeerManager data model).
func (m *Manager) AddCandidate(ip string, port uint16, source Source) {
	c := &Candidate{IP: ip, Port: port, Source: source}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.candidates[c.key()]; ok {
		return
	}
	m.candidates[c.key()] = c
	m.waiting = append(m.waiting, c)
}

// AddSession registers an already-handshaken session, enforcing the
// per-torrent connection limit: when full, the session is rejected and
// the caller should close it (dialed candidates queue in the waiting
// list instead, via AddCandidate and NextCandidate).
func (m *Manager) AddSession(s *peer.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.sessions[s.PeerKey()]; dup {
		return fmt.Errorf("swarm: duplicate session for %s", s.PeerKey())
	}
	if len(m.sessions) >= m.maxPeers {
		return fmt.Errorf("swarm: connection limit reached")
	}
	corr, _ := uuid.NewV4()
	m.sessions[s.PeerKey()] = &sessionEntry{
		session:      s,
		correlation:  corr.String(),
		introducedAt: time.Now(),
	}
	return nil
}

// RemoveSession drops a session from the active set, e.g. after Close.
func (m *Manager) RemoveSession(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// MarkCandidateDirty flags a candidate so it isn't retried for a
// cooldown period, called after a protocol violation (§4.5).
func (m *Manager) MarkCandidateDirty(ip string, port uint16) {
	key := fmt.Sprintf("%s:%d", ip, port)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.candidates[key]; ok {
		c.dirty = true
		c.dirtyAt = time.Now()
	}
}

// NextCandidate pops the next dialable candidate from the FIFO waiting
// list, skipping cooled-down dirty entries.
func (m *Manager) NextCandidate() (*Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.waiting) > 0 {
		c := m.waiting[0]
		m.waiting = m.waiting[1:]
		if c.dirty && time.Since(c.dirtyAt) < candidateCooldown {
			continue
		}
		if _, connected := m.sessions[c.key()]; connected {
			continue
		}
		return c, true
	}
	return nil, false
}

// Sessions returns a snapshot of all active sessions.
func (m *Manager) Sessions() []*peer.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*peer.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	return out
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// BroadcastHave sends HAVE to every connected session.
func (m *Manager) BroadcastHave(piece int) {
	for _, s := range m.Sessions() {
		if err := s.SendHave(piece); err != nil {
			log.Debug().Err(err).Str("peer", s.PeerKey()).Msg("swarm: failed to deliver HAVE")
		}
	}
}

// AggregateHaveCount returns how many connected peers advertise piece
// p, used for rarest-first selection by every session.
func (m *Manager) AggregateHaveCount(piece int) int {
	count := 0
	for _, s := range m.Sessions() {
		if s.HasPiece(piece) {
			count++
		}
	}
	return count
}

// Start launches the unchoke scheduler goroutines.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.unchokeLoop()
}

// Stop halts the unchoke scheduler and closes every session.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	for _, s := range m.Sessions() {
		s.Close()
	}
}

func (m *Manager) unchokeLoop() {
	defer m.wg.Done()
	regular := time.NewTicker(UnchokeInterval)
	optimistic := time.NewTicker(OptimisticUnchokeInterval)
	defer regular.Stop()
	defer optimistic.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-regular.C:
			m.runRegularUnchoke()
		case <-optimistic.C:
			m.runOptimisticUnchoke()
		}
	}
}

// runRegularUnchoke picks the top K peers that are interested in us by
// recent rate and unchokes them; chokes the rest (§4.6). Whether we
// find a peer interesting is not considered.
func (m *Manager) runRegularUnchoke() {
	m.mu.RLock()
	candidates := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.session.PeerInterested() {
			candidates = append(candidates, e)
		}
	}
	m.mu.RUnlock()

	seeding := m.isSeeding()
	sortByRateDesc(candidates, seeding)

	unchoked := make(map[string]bool, OptimisticUnchokeCount)
	for i, e := range candidates {
		if i >= OptimisticUnchokeCount {
			break
		}
		unchoked[e.session.PeerKey()] = true
	}

	for _, s := range m.Sessions() {
		want := unchoked[s.PeerKey()]
		if err := s.SetChoking(!want); err != nil {
			log.Debug().Err(err).Str("peer", s.PeerKey()).Msg("swarm: choke update failed")
		}
	}
}

func sortByRateDesc(entries []*sessionEntry, seeding bool) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && rateOf(entries[j], seeding) > rateOf(entries[j-1], seeding); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// rateOf ranks by download rate while leeching and upload rate while
// seeding (§4.6) — a peer that sends us nothing shouldn't outrank a
// fast source just because it also takes blocks off our hands.
func rateOf(e *sessionEntry, seeding bool) float64 {
	if seeding {
		return e.uploadRate
	}
	return e.downloadRate
}

// RecordRates updates the smoothed transfer rates used by the unchoke
// scheduler; the smoothing itself is the external rate-limiter
// collaborator's job (§1), this just stores the latest sample.
func (m *Manager) RecordRates(peerKey string, download, upload float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[peerKey]; ok {
		e.downloadRate = download
		e.uploadRate = upload
	}
}

// runOptimisticUnchoke unchokes one randomly chosen choked peer, with
// peers younger than newPeerWindow weighted 3x (§4.6).
func (m *Manager) runOptimisticUnchoke() {
	m.mu.RLock()
	var weighted []*sessionEntry
	for _, e := range m.sessions {
		if !e.session.AmChoking() {
			continue
		}
		weight := 1
		if time.Since(e.introducedAt) < newPeerWindow {
			weight = newPeerWeight
		}
		for i := 0; i < weight; i++ {
			weighted = append(weighted, e)
		}
	}
	m.mu.RUnlock()

	if len(weighted) == 0 {
		return
	}
	chosen := weighted[m.rng.Intn(len(weighted))]
	if err := chosen.session.SetChoking(false); err != nil {
		log.Debug().Err(err).Str("peer", chosen.session.PeerKey()).Msg("swarm: optimistic unchoke failed")
	}
}

// DialAndHandshake connects to a candidate and returns a session ready
// to run, performing the handshake inline (the caller starts Run()).
func DialAndHandshake(addr string, info *metainfo.TorrentInfo, cb peer.Callbacks, selfID [20]byte, listenPort uint16, timeout time.Duration) (*peer.Session, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	io := peerwire.NewPeerIO(conn)
	s := peer.NewSession(io, info, cb, selfID, true, listenPort)
	if err := s.Handshake(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
