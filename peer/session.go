// Package peer implements the per-peer BitTorrent protocol state
// machine: handshake, the read state machine, request pipelining,
// interest/choke logic, and per-peer ban accounting. This is the
// hardest single component of the engine (§4.5).
package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gtorrent/bencode"
	"gtorrent/bitfield"
	"gtorrent/metainfo"
	"gtorrent/peerwire"
)

// ConnState is the connection-level lifecycle of a session.
type ConnState int

const (
	Handshaking ConnState = iota
	Connected
	Closed
)

// ProtoState is the byte-framing state of the read loop (§4.5).
type ProtoState int

const (
	AwaitingLength ProtoState = iota
	AwaitingMessage
	ReadingPiece
)

// BanThreshold is the number of verification failures blamed on a peer
// before its session is closed and its candidate cooled down (§4.5).
const BanThreshold = 3

// MaxBacklog is the default number of outstanding REQUESTs a session
// pipelines while unchoked and interested.
const MaxBacklog = 5

// KeepAliveTimeout closes a session that has sent nothing for this long (§5).
const KeepAliveTimeout = 150 * time.Second

// HandshakeTimeout closes a session that fails to complete the
// handshake within this long (§5).
const HandshakeTimeout = 30 * time.Second

// ErrProtocol is the umbrella protocol-violation error; wrapped errors
// carry the specific kind for logging and candidate cooldown.
var ErrProtocol = fmt.Errorf("peer: protocol violation")

// ProtocolErrorKind enumerates §7's ProtocolError taxonomy.
type ProtocolErrorKind int

const (
	BadHandshake ProtocolErrorKind = iota
	BadLength
	BadPayload
	SpareBitsSet
	IndexOutOfRange
	DuplicatePeer
	SelfConnect
)

func (k ProtocolErrorKind) String() string {
	names := [...]string{"BadHandshake", "BadLength", "BadPayload", "SpareBitsSet", "IndexOutOfRange", "DuplicatePeer", "SelfConnect"}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// ProtocolError is a fatal, session-closing wire violation.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Msg  string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("peer: %s: %s", e.Kind, e.Msg) }
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func protoErr(kind ProtocolErrorKind, format string, args ...any) error {
	return &ProtocolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// blockID flat-identifies a requested block by (piece, begin).
type blockID struct {
	piece int
	begin uint32
}

// Callbacks is the non-owning capability handle a session uses to
// reach back into its enclosing engine (§9) without seeing engine
// internals directly.
type Callbacks interface {
	// WriteBlock persists a received block; errors are local disk
	// faults, not held against the peer.
	WriteBlock(piece int, offset int64, data []byte) error
	// BlockAdd informs Completion a block has arrived; it returns true
	// when the piece is now a verification candidate.
	BlockAdd(globalBlockIndex int) bool
	// BlockRemove clears a block from Completion. The session itself
	// never calls it; dropped outbound requests go through
	// UnmarkRequested.
	BlockRemove(globalBlockIndex int)
	// BlockIsComplete reports whether a block is already accounted for.
	BlockIsComplete(globalBlockIndex int) bool
	// IsRequestedElsewhere reports whether another session already has
	// this block pipelined.
	IsRequestedElsewhere(globalBlockIndex int, exclude *Session) bool
	// MarkRequested/UnmarkRequested track which session owns a pending block.
	MarkRequested(globalBlockIndex int)
	UnmarkRequested(globalBlockIndex int)
	// PieceIsComplete reports whether a piece has been verified already.
	PieceIsComplete(piece int) bool
	// PieceDND reports whether a piece is flagged do-not-download.
	PieceDND(piece int) bool
	// RequestVerify asks the engine to verify a piece whose blocks are
	// all present; verification itself runs on the engine thread.
	RequestVerify(piece int)
	// AggregateHaveCount returns the swarm-wide count of peers known to
	// have piece p, used for rarest-first ordering.
	AggregateHaveCount(piece int) int
	// AllowDownload/ConsumeDownload gate and debit the rate controller.
	AllowDownload(n int) bool
	ConsumeDownload(n int)
	AllowUpload(n int) bool
	ConsumeUpload(n int)
	// ReadBlock serves an inbound REQUEST from storage.
	ReadBlock(piece int, offset int64, length int) ([]byte, error)
	// PeerBanned reports whether this peer key has already crossed the
	// ban threshold on any piece in a prior session.
	PeerBanned(peerKey string) bool
}

// Session is the per-remote-peer protocol state machine.
type Session struct {
	io       *peerwire.PeerIO
	info     *metainfo.TorrentInfo
	cb       Callbacks
	selfID   [20]byte
	outbound bool // true if we dialed, false if we accepted

	mu sync.Mutex

	connState  ConnState
	protoState ProtoState

	PeerID [20]byte
	addr   net.Addr

	amChoking     bool
	peerChoking   bool
	amInterested  bool
	peerInterest  bool
	supportsLTEP   bool
	extIDs         map[string]uint8
	listenPort     uint16 // our own, advertised to the peer
	peerListenPort uint16 // the peer's, learned from their LTEP handshake

	peerHave *bitfield.Bitfield // lazily allocated on first HAVE/BITFIELD
	blame    *bitfield.Bitfield // pieces this peer contributed blocks to
	banPoints int

	outstandingOut map[blockID]struct{} // requests we sent
	outstandingIn  []blockID             // requests the peer sent us, FIFO

	blockAccum struct {
		piece     uint32
		begin     uint32
		remaining uint32
		buf       []byte
	}

	lastActivity time.Time
	closed       bool
	maxBacklog   int
}

// NewSession wraps an accepted or dialed connection. The handshake is
// not performed here; call Handshake next. listenPort is our own
// incoming port, advertised to the peer in the LTEP handshake (§4.5).
func NewSession(io *peerwire.PeerIO, info *metainfo.TorrentInfo, cb Callbacks, selfID [20]byte, outbound bool, listenPort uint16) *Session {
	return &Session{
		io:             io,
		info:           info,
		cb:             cb,
		selfID:         selfID,
		outbound:       outbound,
		connState:      Handshaking,
		protoState:     AwaitingLength,
		amChoking:      true,
		peerChoking:    true,
		extIDs:         make(map[string]uint8),
		outstandingOut: make(map[blockID]struct{}),
		maxBacklog:     MaxBacklog,
		lastActivity:   time.Now(),
		listenPort:     listenPort,
	}
}

// PeerKey returns a stable identity for dedup/ban tracking (ip:port).
func (s *Session) PeerKey() string {
	if s.addr != nil {
		return s.addr.String()
	}
	return string(s.PeerID[:])
}

// Blame returns the piece-level bitfield of pieces this peer
// contributed blocks to.
func (s *Session) Blame() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blame == nil {
		return bitfield.New(s.info.PieceCount())
	}
	return s.blame.Clone()
}

// AssessBanPoint increments the peer's ban score by one and reports
// whether it has now crossed BanThreshold (§4.5 step 5).
func (s *Session) AssessBanPoint() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banPoints++
	return s.banPoints >= BanThreshold
}

// Handshake performs the 68-byte exchange and validates it per §4.5:
// protocol identifier, matching info hash, and self-connect detection.
// Duplicate-connection detection is left to the caller (PeerManager),
// which has visibility across all sessions for this torrent.
func (s *Session) Handshake() error {
	s.io.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer s.io.SetDeadline(time.Time{})

	out := newHandshakeMessage(s.info.InfoHash, s.selfID)

	if s.outbound {
		if err := s.io.WriteHandshake(out); err != nil {
			return err
		}
	}

	peerHS, err := s.io.ReadHandshake()
	if err != nil {
		return protoErr(BadHandshake, "%v", err)
	}
	if peerHS.InfoHash != s.info.InfoHash {
		return protoErr(BadHandshake, "info hash mismatch")
	}
	if peerHS.PeerID == s.selfID {
		return &ProtocolError{Kind: SelfConnect, Msg: "peer id equals ours"}
	}

	if !s.outbound {
		if err := s.io.WriteHandshake(out); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.PeerID = peerHS.PeerID
	s.supportsLTEP = peerHS.SupportsLTEP()
	s.connState = Connected
	s.addr = s.io.RemoteAddr()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.supportsLTEP {
		if err := s.sendLTEPHandshake(); err != nil {
			log.Warn().Err(err).Str("peer", s.PeerKey()).Msg("peer: failed to send LTEP handshake")
		}
	}
	return nil
}

func newHandshakeMessage(infoHash [20]byte, peerID [20]byte) *peerwire.Handshake {
	return &peerwire.Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Close tears the session down; idempotent. Any blocks still pipelined
// to this peer are released so other peers can pick them up — otherwise
// an ungraceful disconnect would leave them permanently requested.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connState = Closed
	s.mu.Unlock()
	s.releaseOutstanding()
	s.io.Close()
}

// SendKeepAlive writes a zero-length keepalive message so the remote
// side's own liveness timeout doesn't fire during an otherwise-healthy
// but idle link.
func (s *Session) SendKeepAlive() error {
	if err := s.io.WriteKeepAlive(); err != nil {
		return err
	}
	return s.io.Flush()
}

// IsClosed reports whether Close has already run.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnState returns the current connection state.
func (s *Session) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// LastActivity reports the timestamp of the last byte received; the
// engine polls this to enforce KeepAliveTimeout.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Run drives the read loop until the connection closes or a protocol
// violation occurs. It is meant to be called on its own goroutine.
func (s *Session) Run() {
	defer s.Close()
	for {
		if s.IsClosed() {
			return
		}
		if err := s.receiveOne(); err != nil {
			log.Debug().Err(err).Str("peer", s.PeerKey()).Msg("peer: session closing")
			return
		}
	}
}

// receiveOne reads and dispatches exactly one wire unit, walking
// through AwaitingLength -> AwaitingMessage -> (ReadingPiece) per §4.5.
func (s *Session) receiveOne() error {
	s.setProtoState(AwaitingLength)
	lenBuf := make([]byte, 4)
	if err := s.io.ReadFull(lenBuf); err != nil {
		return err
	}
	length := peerwire.Uint32(lenBuf)
	s.touch()
	if length == 0 {
		return nil // keepalive
	}

	s.setProtoState(AwaitingMessage)
	idBuf := make([]byte, 1)
	if err := s.io.ReadFull(idBuf); err != nil {
		return err
	}
	msgType := peerwire.MessageType(idBuf[0])
	remaining := length - 1

	if msgType == peerwire.MsgPiece {
		header := make([]byte, 8)
		if err := s.io.ReadFull(header); err != nil {
			return err
		}
		index, begin, _, _ := peerwire.ParsePieceHeader(header)
		s.setProtoState(ReadingPiece)
		blockLen := remaining - 8
		s.blockAccum.piece = index
		s.blockAccum.begin = begin
		s.blockAccum.remaining = blockLen
		s.blockAccum.buf = make([]byte, 0, blockLen)
		return s.drainPiece()
	}

	payload := make([]byte, remaining)
	if remaining > 0 {
		if err := s.io.ReadFull(payload); err != nil {
			return err
		}
	}
	return s.dispatch(msgType, payload)
}

// drainPiece reads the remaining block bytes per ReadingPiece (§4.5).
// Since PeerIO.ReadFull blocks until satisfied, this reads the whole
// remainder in one call; the staged accumulator still models the state
// the spec calls out, which matters for partial/interleaved reads over
// a true non-blocking reactor.
func (s *Session) drainPiece() error {
	buf := make([]byte, s.blockAccum.remaining)
	if err := s.io.ReadFull(buf); err != nil {
		return err
	}
	s.blockAccum.buf = append(s.blockAccum.buf, buf...)
	s.blockAccum.remaining = 0
	s.setProtoState(AwaitingLength)
	return s.commitBlock(int(s.blockAccum.piece), s.blockAccum.begin, s.blockAccum.buf)
}

func (s *Session) setProtoState(st ProtoState) {
	s.mu.Lock()
	s.protoState = st
	s.mu.Unlock()
}

// ProtoState returns the current framing state.
func (s *Session) ProtoState() ProtoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protoState
}

func (s *Session) dispatch(t peerwire.MessageType, payload []byte) error {
	switch t {
	case peerwire.MsgChoke:
		return s.onChoke()
	case peerwire.MsgUnchoke:
		return s.onUnchoke()
	case peerwire.MsgInterested:
		s.mu.Lock()
		s.peerInterest = true
		s.mu.Unlock()
		return nil
	case peerwire.MsgNotInterested:
		s.mu.Lock()
		s.peerInterest = false
		s.mu.Unlock()
		return nil
	case peerwire.MsgHave:
		return s.onHave(payload)
	case peerwire.MsgBitfield:
		return s.onBitfield(payload)
	case peerwire.MsgRequest:
		return s.onRequest(payload)
	case peerwire.MsgCancel:
		return s.onCancel(payload)
	case peerwire.MsgPort:
		_, err := peerwire.ParsePort(payload)
		return err
	case peerwire.MsgExtended:
		return s.onExtended(payload)
	default:
		// Unknown message ids are ignored per common client behavior;
		// only malformed KNOWN messages are protocol violations.
		return nil
	}
}

func (s *Session) onChoke() error {
	s.mu.Lock()
	s.peerChoking = true
	s.mu.Unlock()
	s.releaseOutstanding()
	return nil
}

// releaseOutstanding drains every block this session had requested from
// the peer and unmarks it, so another session can request it instead.
// Called both when the peer chokes us and when the session closes —
// either way, blocks pipelined to this peer are never coming.
func (s *Session) releaseOutstanding() {
	s.mu.Lock()
	dropped := make([]blockID, 0, len(s.outstandingOut))
	for b := range s.outstandingOut {
		dropped = append(dropped, b)
	}
	s.outstandingOut = make(map[blockID]struct{})
	s.mu.Unlock()

	for _, b := range dropped {
		idx := s.globalBlockIndex(b.piece, b.begin)
		s.cb.UnmarkRequested(idx)
	}
}

func (s *Session) onUnchoke() error {
	s.mu.Lock()
	s.peerChoking = false
	s.mu.Unlock()
	s.fillRequests()
	return nil
}

func (s *Session) onHave(payload []byte) error {
	idx, err := peerwire.ParseHave(payload)
	if err != nil {
		return protoErr(BadPayload, "%v", err)
	}
	if int(idx) >= s.info.PieceCount() {
		return protoErr(IndexOutOfRange, "have index %d", idx)
	}
	s.ensurePeerHave()
	s.mu.Lock()
	s.peerHave.Set(int(idx))
	s.mu.Unlock()
	s.reevaluateInterest()
	return nil
}

func (s *Session) onBitfield(payload []byte) error {
	bf, err := bitfield.FromBytes(payload, s.info.PieceCount())
	if err != nil {
		return protoErr(SpareBitsSet, "%v", err)
	}
	s.mu.Lock()
	s.peerHave = bf
	s.mu.Unlock()
	s.reevaluateInterest()
	return nil
}

func (s *Session) ensurePeerHave() {
	s.mu.Lock()
	if s.peerHave == nil {
		s.peerHave = bitfield.New(s.info.PieceCount())
	}
	s.mu.Unlock()
}

func (s *Session) onRequest(payload []byte) error {
	index, begin, length, err := peerwire.ParseRequest(payload)
	if err != nil {
		return protoErr(BadPayload, "%v", err)
	}
	if int(index) >= s.info.PieceCount() || int64(begin)+int64(length) > s.info.PieceLen(int(index)) {
		return protoErr(IndexOutOfRange, "request piece=%d begin=%d length=%d", index, begin, length)
	}
	id := blockID{piece: int(index), begin: begin}
	s.mu.Lock()
	amChoking := s.amChoking
	if !amChoking {
		s.outstandingIn = append(s.outstandingIn, id)
	}
	s.mu.Unlock()
	if amChoking {
		return nil
	}
	return s.serveRequest(int(index), begin, length)
}

func (s *Session) serveRequest(piece int, begin uint32, length uint32) error {
	if !s.cb.AllowUpload(int(length)) {
		return nil
	}
	data, err := s.cb.ReadBlock(piece, int64(begin), int(length))
	if err != nil {
		log.Warn().Err(err).Int("piece", piece).Msg("peer: failed reading block for peer request")
		return nil // local disk fault, not the peer's fault
	}
	s.cb.ConsumeUpload(len(data))
	payload := append(peerwire.FormatPieceHeader(uint32(piece), begin), data...)
	if err := s.io.WriteMessage(&peerwire.Message{Type: peerwire.MsgPiece, Payload: payload}); err != nil {
		return err
	}
	return s.io.Flush()
}

func (s *Session) onCancel(payload []byte) error {
	index, begin, _, err := peerwire.ParseRequest(payload)
	if err != nil {
		return protoErr(BadPayload, "%v", err)
	}
	id := blockID{piece: int(index), begin: begin}
	s.mu.Lock()
	for i, in := range s.outstandingIn {
		if in == id {
			s.outstandingIn = append(s.outstandingIn[:i], s.outstandingIn[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil // unknown CANCELs are ignored
}

// commitBlock implements §4.5's block-commit algorithm.
func (s *Session) commitBlock(piece int, begin uint32, data []byte) error {
	expected := s.info.BlockLen(piece, int(int64(begin)/metainfo.BlockSize))
	if int64(len(data)) != expected {
		return protoErr(BadPayload, "block size mismatch: got %d want %d", len(data), expected)
	}
	idx := s.globalBlockIndex(piece, begin)
	if s.cb.BlockIsComplete(idx) {
		return nil // already complete; duplicate delivery, ignore
	}

	if err := s.cb.WriteBlock(piece, int64(begin), data); err != nil {
		// Local disk fault: the piece stays incomplete, but the peer
		// session itself is not at fault and is kept open.
		log.Error().Err(err).Int("piece", piece).Msg("peer: storage write failed")
		return nil
	}

	s.unionBlame(piece)
	s.cb.ConsumeDownload(len(data))

	s.mu.Lock()
	delete(s.outstandingOut, blockID{piece: piece, begin: begin})
	s.mu.Unlock()
	s.cb.UnmarkRequested(idx)

	if s.cb.BlockAdd(idx) {
		s.cb.RequestVerify(piece)
	}
	s.fillRequests()
	return nil
}

func (s *Session) unionBlame(piece int) {
	s.mu.Lock()
	if s.blame == nil {
		s.blame = bitfield.New(s.info.PieceCount())
	}
	s.blame.Set(piece)
	s.mu.Unlock()
}

func (s *Session) globalBlockIndex(piece int, begin uint32) int {
	blockSize := metainfo.BlockSize
	if s.info.PieceLength < int64(blockSize) {
		blockSize = int(s.info.PieceLength)
	}
	localBlock := int(int64(begin) / int64(blockSize))
	return s.info.BlockOffset(piece, localBlock)
}

// isInteresting evaluates §4.5's interest predicate.
func (s *Session) isInteresting() bool {
	s.mu.Lock()
	have := s.peerHave
	s.mu.Unlock()
	if have == nil {
		return false
	}
	for p := 0; p < s.info.PieceCount(); p++ {
		if s.cb.PieceDND(p) {
			continue
		}
		if s.cb.PieceIsComplete(p) {
			continue
		}
		if !have.Test(p) {
			continue
		}
		return true
	}
	return false
}

// reevaluateInterest re-runs the interest predicate and, on a change,
// sends INTERESTED/NOT_INTERESTED (§4.5).
func (s *Session) reevaluateInterest() {
	want := s.isInteresting()
	s.mu.Lock()
	changed := want != s.amInterested
	s.amInterested = want
	s.mu.Unlock()
	if !changed {
		return
	}
	t := peerwire.MsgNotInterested
	if want {
		t = peerwire.MsgInterested
	}
	if err := s.io.WriteMessage(&peerwire.Message{Type: t}); err != nil {
		log.Warn().Err(err).Msg("peer: failed to send interest state")
		return
	}
	s.io.Flush()
	if want {
		s.fillRequests()
	}
}

// SetChoking sets our choke state toward this peer, per the unchoke
// scheduler's decision (§4.6). When choking, queued inbound REQUESTs
// are discarded (§4.5).
func (s *Session) SetChoking(choke bool) error {
	s.mu.Lock()
	changed := s.amChoking != choke
	s.amChoking = choke
	if choke {
		s.outstandingIn = nil
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	t := peerwire.MsgUnchoke
	if choke {
		t = peerwire.MsgChoke
	}
	if err := s.io.WriteMessage(&peerwire.Message{Type: t}); err != nil {
		return err
	}
	return s.io.Flush()
}

// AmChoking reports our choke state toward this peer.
func (s *Session) AmChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

// PeerInterested reports whether the peer has told us it's interested.
func (s *Session) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterest
}

// HasPiece reports whether the peer's advertised bitfield includes p.
func (s *Session) HasPiece(p int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerHave == nil {
		return false
	}
	return s.peerHave.Test(p)
}

// SendHave broadcasts a HAVE for a newly verified piece.
func (s *Session) SendHave(piece int) error {
	if err := s.io.WriteMessage(&peerwire.Message{Type: peerwire.MsgHave, Payload: peerwire.FormatHave(uint32(piece))}); err != nil {
		return err
	}
	return s.io.Flush()
}

// SendBitfield sends our current piece-level bitfield right after the
// handshake.
func (s *Session) SendBitfield(bf *bitfield.Bitfield) error {
	if err := s.io.WriteMessage(&peerwire.Message{Type: peerwire.MsgBitfield, Payload: bf.ByteView()}); err != nil {
		return err
	}
	return s.io.Flush()
}

// fillRequests implements the request pipeline of §4.5: while
// interested and unchoked and rate-allowed, keep up to maxBacklog
// REQUESTs outstanding for blocks that are not had, not requested
// elsewhere, and from interesting pieces, preferring High priority and
// then rarest-first.
func (s *Session) fillRequests() {
	s.mu.Lock()
	if !s.amInterested || s.peerChoking {
		s.mu.Unlock()
		return
	}
	backlog := len(s.outstandingOut)
	maxBacklog := s.maxBacklog
	s.mu.Unlock()

	for backlog < maxBacklog {
		piece, localBlock, ok := s.selectBlock()
		if !ok {
			return
		}
		blockSize := metainfo.BlockSize
		if s.info.PieceLength < int64(blockSize) {
			blockSize = int(s.info.PieceLength)
		}
		begin := uint32(localBlock * blockSize)
		length := s.info.BlockLen(piece, localBlock)
		if !s.cb.AllowDownload(int(length)) {
			return
		}
		idx := s.info.BlockOffset(piece, localBlock)
		s.cb.MarkRequested(idx)

		if err := s.io.WriteMessage(&peerwire.Message{Type: peerwire.MsgRequest, Payload: peerwire.FormatRequest(uint32(piece), begin, uint32(length))}); err != nil {
			s.cb.UnmarkRequested(idx)
			log.Warn().Err(err).Msg("peer: failed to send request")
			return
		}
		s.mu.Lock()
		s.outstandingOut[blockID{piece: piece, begin: begin}] = struct{}{}
		s.mu.Unlock()
		backlog++
	}
	s.io.Flush()
}

// selectBlock implements rarest-first piece selection with a High
// priority override (§4.5).
func (s *Session) selectBlock() (piece int, localBlock int, ok bool) {
	s.mu.Lock()
	have := s.peerHave
	s.mu.Unlock()
	if have == nil {
		return 0, 0, false
	}

	bestPiece := -1
	bestRarity := int(^uint(0) >> 1)
	bestPriority := metainfo.PriorityLow

	for p := 0; p < s.info.PieceCount(); p++ {
		if s.info.Pieces[p].DND || s.cb.PieceIsComplete(p) || !have.Test(p) {
			continue
		}
		if !s.pieceHasSelectableBlock(p) {
			continue
		}
		prio := s.info.Pieces[p].Priority
		rarity := s.cb.AggregateHaveCount(p)
		if prio > bestPriority || (prio == bestPriority && rarity < bestRarity) {
			bestPiece = p
			bestRarity = rarity
			bestPriority = prio
		}
	}
	if bestPiece < 0 {
		return 0, 0, false
	}
	for b := 0; b < s.info.BlockCount(bestPiece); b++ {
		idx := s.info.BlockOffset(bestPiece, b)
		if s.cb.BlockIsComplete(idx) {
			continue
		}
		if s.cb.IsRequestedElsewhere(idx, s) {
			continue
		}
		return bestPiece, b, true
	}
	return 0, 0, false
}

func (s *Session) pieceHasSelectableBlock(p int) bool {
	for b := 0; b < s.info.BlockCount(p); b++ {
		idx := s.info.BlockOffset(p, b)
		if !s.cb.BlockIsComplete(idx) && !s.cb.IsRequestedElsewhere(idx, s) {
			return true
		}
	}
	return false
}

// sendLTEPHandshake announces our extension ids and listening port via
// message id 20, extended id 0, per BEP 10.
func (s *Session) sendLTEPHandshake() error {
	dict := map[string]interface{}{
		"m": map[string]interface{}{"ut_pex": 1},
		"v": "gtorrent",
		"p": int64(s.listenPort),
	}
	body := bencode.Encode(bencode.NewData(dict))
	payload := append([]byte{0}, body...)
	if err := s.io.WriteMessage(&peerwire.Message{Type: peerwire.MsgExtended, Payload: payload}); err != nil {
		return err
	}
	return s.io.Flush()
}

func (s *Session) onExtended(payload []byte) error {
	if len(payload) < 1 {
		return protoErr(BadPayload, "empty extended message")
	}
	extID := payload[0]
	if extID == 0 {
		return s.onLTEPHandshake(payload[1:])
	}
	// Unknown/ut_pex sub-messages: peer exchange is out of scope beyond
	// the handshake negotiation itself (§1); ignore the body.
	return nil
}

// onLTEPHandshake decodes the peer's LTEP-0 dictionary, recording which
// extended id it uses for each extension we know about and the port it
// advertises for incoming connections (§4.5). A malformed or
// unexpectedly-shaped dictionary is logged and otherwise ignored rather
// than treated as a protocol violation: the handshake is advisory.
func (s *Session) onLTEPHandshake(body []byte) error {
	data, _, err := bencode.Decode(body)
	if err != nil || data == nil || data.Type != bencode.DICT {
		log.Debug().Str("peer", s.PeerKey()).Msg("peer: malformed LTEP handshake dict")
		return nil
	}
	dict := data.AsDict()

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := dict["m"]; ok && m.Type == bencode.DICT {
		for name, id := range m.AsDict() {
			if id.Type == bencode.INTEGER {
				s.extIDs[name] = uint8(id.AsInt())
			}
		}
	}
	if p, ok := dict["p"]; ok && p.Type == bencode.INTEGER {
		s.peerListenPort = uint16(p.AsInt())
	}
	return nil
}

// PeerListenPort returns the incoming port the peer advertised in its
// LTEP handshake, or 0 if it never sent one.
func (s *Session) PeerListenPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerListenPort
}
