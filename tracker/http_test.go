package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTrackerGetPeersCompactFormat(t *testing.T) {
	// 2 peers, compact 6-byte-per-peer encoding: 127.0.0.1:6881, 10.0.0.2:51413
	peersBlob := string([]byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0xc8, 0xd5})
	body := "d8:completei5e10:incompletei2e8:intervali1800e5:peers" +
		"12:" + peersBlob + "e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	peers, err := tr.GetPeers([20]byte{1}, 1024, AnnounceRequest{
		SelfID: [20]byte{2}, Port: 6881, Left: 1024, Event: EventStarted,
	})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1", peers[0].IP)
	assert.Equal(t, uint16(6881), peers[0].Port)
	assert.Equal(t, "10.0.0.2", peers[1].IP)
	assert.Equal(t, 5, tr.Seeders())
	assert.Equal(t, 2, tr.Leechers())
}

func TestHTTPTrackerGetPeersFailureReason(t *testing.T) {
	body := "d14:failure reason22:torrent not registerede"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	_, err := tr.GetPeers([20]byte{1}, 1024, AnnounceRequest{SelfID: [20]byte{2}, Port: 6881})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not registered")
	assert.Equal(t, err, tr.LastError())
}

func TestHTTPTrackerGetPeersListFormat(t *testing.T) {
	body := "d8:completei1e10:incompletei0e8:intervali900e5:peersl" +
		"d2:ip9:127.0.0.14:porti6882eee"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	peers, err := tr.GetPeers([20]byte{1}, 1024, AnnounceRequest{SelfID: [20]byte{2}, Port: 6881})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1", peers[0].IP)
	assert.Equal(t, uint16(6882), peers[0].Port)
}
