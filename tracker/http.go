package tracker

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"gtorrent/bencode"
)

// httpTracker announces over HTTP(S) using a resty client, decoding
// the bencoded tracker response with the bencode package.
type httpTracker struct {
	announceURL string
	client      *resty.Client
	lastCheck   int64
	nextCheck   int64
	lastError   error
	lastWarning string
	seeders     int
	leechers    int
}

// NewHTTPTracker constructs an HTTP(S) tracker client.
func NewHTTPTracker(announce string) Tracker {
	return &httpTracker{
		announceURL: announce,
		client:      resty.New(),
	}
}

func (t *httpTracker) Announce() string  { return t.announceURL }
func (t *httpTracker) LastCheck() int64  { return t.lastCheck }
func (t *httpTracker) NextCheck() int64  { return t.nextCheck }
func (t *httpTracker) LastError() error  { return t.lastError }
func (t *httpTracker) Seeders() int      { return t.seeders }
func (t *httpTracker) Leechers() int     { return t.leechers }

func eventString(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

func (t *httpTracker) GetPeers(infoHash [20]byte, totalLength int64, req AnnounceRequest) ([]PeerAddr, error) {
	peers := make([]PeerAddr, 0)

	r := t.client.R().
		SetQueryParam("info_hash", string(infoHash[:])).
		SetQueryParam("peer_id", string(req.SelfID[:])).
		SetQueryParam("port", fmt.Sprintf("%d", req.Port)).
		SetQueryParam("uploaded", fmt.Sprintf("%d", req.Uploaded)).
		SetQueryParam("downloaded", fmt.Sprintf("%d", req.Downloaded)).
		SetQueryParam("left", fmt.Sprintf("%d", req.Left)).
		SetQueryParam("compact", "1")
	if ev := eventString(req.Event); ev != "" {
		r = r.SetQueryParam("event", ev)
	}

	resp, err := r.Get(t.announceURL)
	if err != nil {
		t.lastError = fmt.Errorf("tracker: request: %w", err)
		return peers, t.lastError
	}
	t.lastCheck = time.Now().Unix()
	if resp.StatusCode() != 200 {
		t.lastError = fmt.Errorf("tracker: status code %d: %s", resp.StatusCode(), resp.String())
		return peers, t.lastError
	}

	response, _, err := bencode.Decode(resp.Body())
	if err != nil {
		t.lastError = fmt.Errorf("tracker: decode response: %w", err)
		return peers, t.lastError
	}
	respDict := response.AsDict()

	if failureReason, ok := respDict["failure reason"]; ok {
		t.lastError = fmt.Errorf("%s", failureReason.AsString())
		return peers, t.lastError
	}

	if complete, ok := respDict["complete"]; ok {
		t.seeders = int(complete.AsInt())
	}
	if incomplete, ok := respDict["incomplete"]; ok {
		t.leechers = int(incomplete.AsInt())
	}
	if interval, ok := respDict["interval"]; ok {
		t.nextCheck = time.Now().Unix() + int64(interval.AsInt())
	}

	if peersList, ok := respDict["peers"]; ok {
		if peersList.Type == bencode.STRING {
			raw := peersList.AsString()
			for i := 0; i+6 <= len(raw); i += 6 {
				peers = append(peers, PeerAddr{
					IP:   fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3]),
					Port: uint16(int(raw[i+4])<<8 + int(raw[i+5])),
				})
			}
		} else if peersList.Type == bencode.LIST {
			for _, peerData := range peersList.AsList() {
				pd := peerData.AsDict()
				peers = append(peers, PeerAddr{
					IP:   pd["ip"].AsString(),
					Port: uint16(pd["port"].AsInt()),
				})
			}
		}
	}

	if warning, ok := respDict["warning message"]; ok {
		t.lastWarning = warning.AsString()
	}

	t.lastError = nil
	return peers, nil
}
