package peerwire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{Type: MsgRequest, Payload: FormatRequest(1, 2, 3)}
	buf := bytes.NewBuffer(m.Serialize())
	back, err := ReadMessage(buf)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, MsgRequest, back.Type)
	idx, begin, length, err := ParseRequest(back.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx)
	assert.Equal(t, uint32(2), begin)
	assert.Equal(t, uint32(3), length)
}

func TestKeepAliveIsNilMessage(t *testing.T) {
	buf := bytes.NewBuffer(KeepAlive())
	m, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var hash, peerID [20]byte
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")
	h := &Handshake{InfoHash: hash, PeerID: peerID}
	h.SetLTEP(true)

	buf := bytes.NewBuffer(h.Serialize())
	back, err := ReadHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, hash, back.InfoHash)
	assert.Equal(t, peerID, back.PeerID)
	assert.True(t, back.SupportsLTEP())
}

func TestHandshakeRejectsBadProtocolString(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.WriteByte(4)
	buf.WriteString("ABCD")
	buf.Write(make([]byte, 48))
	_, err := ReadHandshake(buf)
	require.Error(t, err)
}

func TestPeerIOOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan *Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io := NewPeerIO(conn)
		m, _ := io.ReadMessage()
		serverDone <- m
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	clientIO := NewPeerIO(conn)
	require.NoError(t, clientIO.WriteMessage(&Message{Type: MsgHave, Payload: FormatHave(7)}))
	require.NoError(t, clientIO.Flush())

	got := <-serverDone
	require.NotNil(t, got)
	idx, err := ParseHave(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), idx)
}
