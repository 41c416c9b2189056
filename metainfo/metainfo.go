// Package metainfo builds an immutable TorrentInfo from decoded bencode
// data. Decoding the .torrent container format itself is delegated to
// the bencode package; metainfo only assembles the fields the engine
// cares about and derives the piece/block geometry.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"
	"slices"

	"gtorrent/bencode"
)

// BlockSize is the fixed block subdivision of a piece used for REQUEST
// pipelining, capped by the piece length itself for tiny torrents.
const BlockSize = 16 * 1024

// Priority ranks a piece or file for selection purposes. Pieces
// promoted to High are requested ahead of Normal ones (§4.5).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// FileEntry describes one file within the torrent's content layout.
type FileEntry struct {
	Path   string
	Length int64
	// Offset is the prefix sum of the lengths of all prior files; byte
	// o of this file lives at absolute position Offset+o.
	Offset int64
	DND    bool
}

// PieceEntry describes one piece of the content.
type PieceEntry struct {
	Hash     [20]byte
	Priority Priority
	DND      bool
}

// TorrentInfo is immutable after Load*: nothing in the engine mutates
// its geometry, only Completion/Storage state built around it changes.
type TorrentInfo struct {
	InfoHash     [20]byte
	Name         string
	AnnounceList []string
	UrlList      []string
	Comment      string
	CreatedBy    string
	CreatedAt    int64
	PieceLength  int64
	TotalLength  int64
	Files        []FileEntry
	Pieces       []PieceEntry
	Private      bool
}

// PieceCount returns the number of pieces, ceil(TotalLength/PieceLength).
func (t *TorrentInfo) PieceCount() int {
	return len(t.Pieces)
}

// PieceLen returns the length of piece p, accounting for the shorter
// final piece.
func (t *TorrentInfo) PieceLen(p int) int64 {
	if p < 0 || p >= len(t.Pieces) {
		return 0
	}
	if p == len(t.Pieces)-1 {
		return t.TotalLength - t.PieceLength*int64(len(t.Pieces)-1)
	}
	return t.PieceLength
}

// BlockCount returns the number of blocks piece p is divided into.
func (t *TorrentInfo) BlockCount(p int) int {
	pl := t.PieceLen(p)
	if pl <= 0 {
		return 0
	}
	bs := t.blockSizeFor(p)
	return int((pl + bs - 1) / bs)
}

// blockSizeFor returns the block size used within piece p: min(pieceLength, BlockSize).
func (t *TorrentInfo) blockSizeFor(p int) int64 {
	bs := int64(BlockSize)
	if t.PieceLength < bs {
		bs = t.PieceLength
	}
	return bs
}

// BlockLen returns the length of block b within piece p.
func (t *TorrentInfo) BlockLen(p, b int) int64 {
	pl := t.PieceLen(p)
	bs := t.blockSizeFor(p)
	start := int64(b) * bs
	if start >= pl {
		return 0
	}
	if start+bs > pl {
		return pl - start
	}
	return bs
}

// TotalBlockCount returns the sum of BlockCount over all pieces, the
// size Completion's bitfields are allocated to.
func (t *TorrentInfo) TotalBlockCount() int {
	total := 0
	for p := range t.Pieces {
		total += t.BlockCount(p)
	}
	return total
}

// BlockOffset returns the cumulative block index of (piece 0, block 0)
// through (p, b-1); Completion indexes its bitfields with this flat
// numbering.
func (t *TorrentInfo) BlockOffset(p, b int) int {
	offset := 0
	for i := 0; i < p; i++ {
		offset += t.BlockCount(i)
	}
	return offset + b
}

// Locate maps an absolute byte position in [0, TotalLength) to a file
// index and offset within that file. Zero-length files are skipped.
// The mapping is monotone and total on [0, TotalLength).
func (t *TorrentInfo) Locate(position int64) (fileIndex int, fileOffset int64, err error) {
	if position < 0 || position >= t.TotalLength {
		return 0, 0, fmt.Errorf("metainfo: position %d out of range [0,%d)", position, t.TotalLength)
	}
	for i, f := range t.Files {
		if f.Length == 0 {
			continue
		}
		if position < f.Offset+f.Length {
			return i, position - f.Offset, nil
		}
	}
	return 0, 0, fmt.Errorf("metainfo: position %d not covered by any file", position)
}

// ApplyProgressivePriority promotes the first and last piece of every
// non-DND file to PriorityHigh, enabling progressive preview of the
// start and end of each file at load time (§4.5).
func (t *TorrentInfo) ApplyProgressivePriority() {
	for _, f := range t.Files {
		if f.DND || f.Length == 0 {
			continue
		}
		firstPiece := int(f.Offset / t.PieceLength)
		lastPiece := int((f.Offset + f.Length - 1) / t.PieceLength)
		if firstPiece >= 0 && firstPiece < len(t.Pieces) {
			t.Pieces[firstPiece].Priority = PriorityHigh
		}
		if lastPiece >= 0 && lastPiece < len(t.Pieces) {
			t.Pieces[lastPiece].Priority = PriorityHigh
		}
	}
}

// FromBencodeData converts decoded bencode into a TorrentInfo. It
// computes InfoHash as SHA-1 of the encoded "info" dictionary, mirroring
// the BEP-3 definition.
func FromBencodeData(data *bencode.Data) (*TorrentInfo, error) {
	if data == nil {
		return nil, fmt.Errorf("metainfo: nil bencode data")
	}
	root := data.AsDict()
	infoData, ok := root["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: missing info dictionary")
	}
	info := infoData.AsDict()

	t := &TorrentInfo{}

	if al, ok := root["announce-list"]; ok {
		for _, tier := range al.AsList() {
			for _, a := range tier.AsList() {
				t.AnnounceList = append(t.AnnounceList, a.AsString())
			}
		}
	}
	if announce, ok := root["announce"]; ok {
		if !slices.Contains(t.AnnounceList, announce.AsString()) {
			t.AnnounceList = append(t.AnnounceList, announce.AsString())
		}
	}
	if ul, ok := root["url-list"]; ok {
		for _, u := range ul.AsList() {
			t.UrlList = append(t.UrlList, u.AsString())
		}
	}
	if comment, ok := root["comment"]; ok {
		t.Comment = comment.AsString()
	}
	if createdBy, ok := root["created by"]; ok {
		t.CreatedBy = createdBy.AsString()
	}
	if createdAt, ok := root["creation date"]; ok {
		t.CreatedAt = createdAt.AsInt()
	}
	if name, ok := info["name"]; ok {
		t.Name = name.AsString()
	}
	if pl, ok := info["piece length"]; ok {
		t.PieceLength = pl.AsInt()
	}
	if priv, ok := info["private"]; ok {
		t.Private = priv.AsInt() == 1
	}

	var offset int64
	if filesData, ok := info["files"]; ok {
		for _, fd := range filesData.AsList() {
			fdict := fd.AsDict()
			length := fdict["length"].AsInt()
			path := ""
			if pathData, ok := fdict["path"]; ok {
				parts := pathData.AsList()
				for i, p := range parts {
					path += p.AsString()
					if i < len(parts)-1 {
						path += "/"
					}
				}
			}
			t.Files = append(t.Files, FileEntry{Path: path, Length: length, Offset: offset})
			offset += length
		}
	} else {
		length := info["length"].AsInt()
		t.Files = append(t.Files, FileEntry{Path: t.Name, Length: length, Offset: 0})
		offset = length
	}
	t.TotalLength = offset

	if t.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", t.PieceLength)
	}

	if piecesData, ok := info["pieces"]; ok {
		raw := piecesData.AsBytes()
		if len(raw)%20 != 0 {
			return nil, fmt.Errorf("metainfo: pieces field not a multiple of 20 bytes")
		}
		for i := 0; i < len(raw); i += 20 {
			var h [20]byte
			copy(h[:], raw[i:i+20])
			t.Pieces = append(t.Pieces, PieceEntry{Hash: h, Priority: PriorityNormal})
		}
	}

	want := (t.TotalLength + t.PieceLength - 1) / t.PieceLength
	if int64(len(t.Pieces)) != want {
		return nil, fmt.Errorf("metainfo: piece count mismatch: have %d hashes, expected %d", len(t.Pieces), want)
	}

	t.InfoHash = sha1.Sum(infoData.ToBytes())
	t.ApplyProgressivePriority()

	return t, nil
}

// FromBytes decodes a raw .torrent byte slice into a TorrentInfo.
func FromBytes(data []byte) (*TorrentInfo, error) {
	decoded, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	return FromBencodeData(decoded)
}

// LoadFile reads and decodes a .torrent file from disk.
func LoadFile(path string) (*TorrentInfo, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromBytes(content)
}
