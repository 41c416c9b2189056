package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// udpTracker implements the BEP-15 UDP tracker protocol's
// connect/announce/scrape exchange.
type udpTracker struct {
	announceURL  string
	lastCheck    int64
	nextCheck    int64
	lastError    error
	conn         *net.UDPConn
	connectionID int64
	leechers     int32
	seeders      int32
}

const (
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionScrape   = 2
)

const udpProtocolID = 0x41727101980

const udpTimeout = 15 * time.Second

// NewUDPTracker constructs a BEP-15 UDP tracker client.
func NewUDPTracker(announce string) Tracker {
	return &udpTracker{announceURL: announce}
}

func (t *udpTracker) Announce() string { return t.announceURL }
func (t *udpTracker) LastCheck() int64 { return t.lastCheck }
func (t *udpTracker) NextCheck() int64 { return t.nextCheck }
func (t *udpTracker) LastError() error { return t.lastError }
func (t *udpTracker) Seeders() int     { return int(t.seeders) }
func (t *udpTracker) Leechers() int    { return int(t.leechers) }

func (t *udpTracker) GetPeers(infoHash [20]byte, totalLength int64, req AnnounceRequest) ([]PeerAddr, error) {
	if err := t.connect(); err != nil {
		t.lastError = err
		return nil, err
	}
	defer t.conn.Close()

	if err := t.acquireConnectionID(); err != nil {
		t.lastError = err
		return nil, err
	}

	peers, err := t.announce(infoHash, totalLength, req)
	if err != nil {
		t.lastError = err
		return nil, err
	}
	t.lastError = nil
	return peers, nil
}

func (t *udpTracker) connect() error {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		return fmt.Errorf("tracker: parse announce url: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return fmt.Errorf("tracker: resolve udp addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("tracker: dial udp: %w", err)
	}
	conn.SetDeadline(time.Now().Add(udpTimeout))
	t.conn = conn
	return nil
}

func (t *udpTracker) acquireConnectionID() error {
	transactionID := rand.Int31()
	request := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
	}{
		ConnectionID: udpProtocolID,
		Action:       udpActionConnect,
		Transaction:  transactionID,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, request); err != nil {
		return err
	}
	if _, err := t.conn.Write(buf.Bytes()); err != nil {
		return err
	}

	response := struct {
		Action       int32
		Transaction  int32
		ConnectionID int64
	}{}
	if err := binary.Read(t.conn, binary.BigEndian, &response); err != nil {
		return err
	}
	if response.Transaction != transactionID {
		return fmt.Errorf("tracker: connect transaction id mismatch")
	}
	if response.Action != udpActionConnect {
		return fmt.Errorf("tracker: connect unexpected action %d", response.Action)
	}
	t.connectionID = response.ConnectionID
	return nil
}

func (t *udpTracker) announce(infoHash [20]byte, totalLength int64, req AnnounceRequest) ([]PeerAddr, error) {
	transactionID := rand.Int31()

	// BEP-15 event codes: 0 none, 1 completed, 2 started, 3 stopped.
	var udpEvent int32
	switch req.Event {
	case EventCompleted:
		udpEvent = 1
	case EventStarted:
		udpEvent = 2
	case EventStopped:
		udpEvent = 3
	}

	request := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
		PeerID       [20]byte
		Downloaded   int64
		Left         int64
		Uploaded     int64
		Event        int32
		IP           int32
		Key          int32
		NumWant      int32
		Port         uint16
	}{
		ConnectionID: t.connectionID,
		Action:       udpActionAnnounce,
		Transaction:  transactionID,
		InfoHash:     infoHash,
		PeerID:       req.SelfID,
		Downloaded:   req.Downloaded,
		Left:         req.Left,
		Uploaded:     req.Uploaded,
		Event:        udpEvent,
		IP:           0,
		Key:          0,
		NumWant:      -1,
		Port:         req.Port,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, request); err != nil {
		return nil, err
	}
	if _, err := t.conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	readBytes := make([]byte, 2048)
	n, err := t.conn.Read(readBytes)
	if err != nil {
		return nil, err
	}
	readBytes = readBytes[:n]
	if len(readBytes) < 20 {
		return nil, fmt.Errorf("tracker: announce response too short")
	}

	response := struct {
		Action      int32
		Transaction int32
		Interval    int32
		Leechers    int32
		Seeders     int32
	}{}
	if err := binary.Read(bytes.NewReader(readBytes), binary.BigEndian, &response); err != nil {
		return nil, err
	}
	if response.Transaction != transactionID {
		return nil, fmt.Errorf("tracker: announce transaction id mismatch")
	}
	if response.Action != udpActionAnnounce {
		return nil, fmt.Errorf("tracker: announce unexpected action %d", response.Action)
	}
	t.leechers = response.Leechers
	t.seeders = response.Seeders

	peers := make([]PeerAddr, 0)
	rest := readBytes[20:]
	for len(rest) >= 6 {
		ip := net.IPv4(rest[0], rest[1], rest[2], rest[3])
		port := uint16(rest[4])<<8 + uint16(rest[5])
		peers = append(peers, PeerAddr{IP: ip.String(), Port: port})
		rest = rest[6:]
	}

	t.lastCheck = time.Now().Unix()
	t.nextCheck = t.lastCheck + int64(response.Interval)
	return peers, nil
}

// scrape fetches seeder/leecher counts without announcing, kept as a
// separate entry point for a future periodic-scrape scheduler.
func (t *udpTracker) scrape(infoHash [20]byte) error {
	transactionID := rand.Int31()
	request := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
	}{
		ConnectionID: t.connectionID,
		Action:       udpActionScrape,
		Transaction:  transactionID,
		InfoHash:     infoHash,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, request); err != nil {
		return err
	}
	if _, err := t.conn.Write(buf.Bytes()); err != nil {
		return err
	}

	readBytes := make([]byte, 1024)
	n, err := t.conn.Read(readBytes)
	if err != nil {
		return err
	}
	readBytes = readBytes[:n]

	response := struct {
		Action      int32
		Transaction int32
		Seeders     int32
		Completed   int32
		Leechers    int32
	}{}
	if err := binary.Read(bytes.NewReader(readBytes), binary.BigEndian, &response); err != nil {
		return err
	}
	if response.Transaction != transactionID {
		return fmt.Errorf("tracker: scrape transaction id mismatch")
	}
	if response.Action != udpActionScrape {
		return fmt.Errorf("tracker: scrape unexpected action %d", response.Action)
	}
	t.seeders = response.Seeders
	t.leechers = response.Leechers
	t.lastCheck = time.Now().Unix()
	return nil
}
