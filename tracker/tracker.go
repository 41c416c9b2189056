// Package tracker announces a torrent's progress to its tracker and
// discovers peer candidates. It works off a raw info hash and total
// length plus a caller-supplied local announce state rather than
// holding a live torrent handle itself.
package tracker

import (
	"fmt"
	"net/url"
)

// PeerAddr is one peer address returned by a tracker announce.
type PeerAddr struct {
	IP   string
	Port uint16
}

// AnnounceRequest carries the local state needed to build an announce,
// kept separate from metainfo.TorrentInfo since it varies per-session
// (self ID, listening port) rather than per-torrent.
type AnnounceRequest struct {
	SelfID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// Event mirrors the tracker announce event enumeration.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

// Tracker announces to, and discovers peers from, a single tracker
// endpoint for one torrent. GetPeers takes the torrent's info
// hash/length directly since there is no persistent torrent handle to
// read them from.
type Tracker interface {
	Announce() string
	GetPeers(infoHash [20]byte, totalLength int64, req AnnounceRequest) ([]PeerAddr, error)
	LastCheck() int64
	NextCheck() int64
	LastError() error
	Seeders() int
	Leechers() int
}

// New dispatches to an HTTP(S) or UDP tracker implementation by the
// announce URL's scheme.
func New(announce string) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(announce), nil
	case "udp":
		return NewUDPTracker(announce), nil
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
}
