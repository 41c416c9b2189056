// Package peerwire implements the byte-level BitTorrent peer wire
// protocol: the handshake, message framing, and the integer helpers
// needed to build and parse messages. It never interprets a message
// beyond its id and raw payload — that's PeerSession's job.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolIdentifier is the fixed pstr of the BitTorrent handshake.
const ProtocolIdentifier = "BitTorrent protocol"

// BlockSize is the canonical block size requested over the wire.
const BlockSize = 16 * 1024

// reservedLTEPByteIndex/reservedLTEPBitMask mark support for the libtorrent extension protocol:
// bit 20 overall, i.e. bit 0x10 of reserved byte 5 (0-indexed).
const reservedLTEPByteIndex = 5
const reservedLTEPBitMask = 0x10

// MessageType identifies the id byte of a framed message.
type MessageType uint8

const (
	MsgChoke         MessageType = 0
	MsgUnchoke       MessageType = 1
	MsgInterested    MessageType = 2
	MsgNotInterested MessageType = 3
	MsgHave          MessageType = 4
	MsgBitfield      MessageType = 5
	MsgRequest       MessageType = 6
	MsgPiece         MessageType = 7
	MsgCancel        MessageType = 8
	MsgPort          MessageType = 9
	MsgExtended      MessageType = 20
)

// Message is a generic framed message: a type id plus its raw payload.
// KeepAlive is represented out-of-band by ReadMessage returning
// (nil, nil) rather than by a sentinel type, matching the wire's own
// zero-length-means-keepalive framing.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Serialize encodes m as <u32 length><id><payload>.
func (m *Message) Serialize() []byte {
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive returns the wire bytes for a keepalive message (u32 zero,
// no id, no payload).
func KeepAlive() []byte {
	return make([]byte, 4)
}

// ReadMessage reads one framed message from r. A nil Message with a nil
// error indicates a keepalive (length-prefix zero).
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// Handshake is the fixed 68-byte initial exchange.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SupportsLTEP reports whether the reserved bytes advertise libtorrent
// extension protocol support (bit 20).
func (h *Handshake) SupportsLTEP() bool {
	return h.Reserved[reservedLTEPByteIndex]&reservedLTEPBitMask != 0
}

// SetLTEP sets or clears the LTEP-support reserved bit.
func (h *Handshake) SetLTEP(on bool) {
	if on {
		h.Reserved[reservedLTEPByteIndex] |= reservedLTEPBitMask
	} else {
		h.Reserved[reservedLTEPByteIndex] &^= reservedLTEPBitMask
	}
}

// Serialize encodes the 68-byte handshake message.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(ProtocolIdentifier))
	buf[0] = byte(len(ProtocolIdentifier))
	copy(buf[1:], ProtocolIdentifier)
	off := 1 + len(ProtocolIdentifier)
	copy(buf[off:], h.Reserved[:])
	off += 8
	copy(buf[off:], h.InfoHash[:])
	off += 20
	copy(buf[off:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake from r. It validates the protocol
// string length and contents per the classical mainline protocol.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen == 0 {
		return nil, fmt.Errorf("peerwire: pstrlen cannot be 0")
	}
	rest := make([]byte, 48+pstrlen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	pstr := string(rest[:pstrlen])
	if pstr != ProtocolIdentifier {
		return nil, fmt.Errorf("peerwire: unexpected protocol identifier %q", pstr)
	}
	h := &Handshake{}
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return h, nil
}

// FormatRequest builds the 12-byte payload for REQUEST/CANCEL messages.
func FormatRequest(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseRequest decodes a REQUEST/CANCEL payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("peerwire: request payload wrong length: %d", len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// FormatPieceHeader builds the 8-byte (index, begin) header preceding
// PIECE block data.
func FormatPieceHeader(index, begin uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	return buf
}

// ParsePieceHeader decodes the 8-byte header of a PIECE payload and
// returns it along with the remaining block bytes.
func ParsePieceHeader(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peerwire: piece payload too short: %d", len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return
}

// FormatHave builds a HAVE payload.
func FormatHave(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// ParseHave decodes a HAVE payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("peerwire: have payload wrong length: %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// ParsePort decodes a PORT payload.
func ParsePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("peerwire: port payload wrong length: %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// PutUint32 / Uint32 / PutUint16 / Uint16 are the network-byte-order
// integer helpers exposed to callers that build payloads piecemeal
// (e.g. extended messages) rather than through the Format* helpers
// above.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func Uint16(b []byte) uint16       { return binary.BigEndian.Uint16(b) }
