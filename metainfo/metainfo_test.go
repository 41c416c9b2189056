package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"gtorrent/bencode"
)

func buildSingleFile(t *testing.T, pieceLen int64, total int64) []byte {
	t.Helper()
	pieceCount := (total + pieceLen - 1) / pieceLen
	pieces := make([]byte, 0, pieceCount*20)
	for i := int64(0); i < pieceCount; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         "file.bin",
		"length":       total,
		"piece length": pieceLen,
		"pieces":       pieces,
	}
	root := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}
	return bencode.Encode(bencode.NewData(root))
}

func TestFromBytesSingleFile(t *testing.T) {
	raw := buildSingleFile(t, 16, 32)
	ti, err := FromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, int64(32), ti.TotalLength)
	require.Equal(t, 2, ti.PieceCount())
	require.Equal(t, int64(16), ti.PieceLen(0))
	require.Equal(t, int64(16), ti.PieceLen(1))
}

func TestLocateBijection(t *testing.T) {
	raw := buildSingleFile(t, 16, 32)
	ti, err := FromBytes(raw)
	require.NoError(t, err)

	for pos := int64(0); pos < ti.TotalLength; pos++ {
		fi, fo, err := ti.Locate(pos)
		require.NoError(t, err)
		require.Equal(t, 0, fi)
		require.Equal(t, pos, fo)
	}
}

func TestMultiFileLocate(t *testing.T) {
	files := []interface{}{
		map[string]interface{}{"length": int64(10), "path": []interface{}{"a"}},
		map[string]interface{}{"length": int64(22), "path": []interface{}{"b"}},
	}
	pieceLen := int64(16)
	total := int64(32)
	pieceCount := (total + pieceLen - 1) / pieceLen
	pieces := make([]byte, 0, pieceCount*20)
	for i := int64(0); i < pieceCount; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         "multi",
		"files":        files,
		"piece length": pieceLen,
		"pieces":       pieces,
	}
	root := map[string]interface{}{"announce": "http://t", "info": info}
	raw := bencode.Encode(bencode.NewData(root))

	ti, err := FromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, int64(32), ti.TotalLength)

	// Piece 0 offset 0 length 16 must land bytes 0-9 in "a" and bytes 0-5 in "b".
	fi, fo, err := ti.Locate(9)
	require.NoError(t, err)
	require.Equal(t, 0, fi)
	require.Equal(t, int64(9), fo)

	fi, fo, err = ti.Locate(10)
	require.NoError(t, err)
	require.Equal(t, 1, fi)
	require.Equal(t, int64(0), fo)

	fi, fo, err = ti.Locate(15)
	require.NoError(t, err)
	require.Equal(t, 1, fi)
	require.Equal(t, int64(5), fo)
}

func TestProgressivePriorityPromotesFirstAndLastPiece(t *testing.T) {
	files := []interface{}{
		map[string]interface{}{"length": int64(48), "path": []interface{}{"big"}},
	}
	pieceLen := int64(16)
	pieces := make([]byte, 0, 3*20)
	for i := 0; i < 3; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}
	info := map[string]interface{}{
		"name":         "x",
		"files":        files,
		"piece length": pieceLen,
		"pieces":       pieces,
	}
	root := map[string]interface{}{"announce": "http://t", "info": info}
	raw := bencode.Encode(bencode.NewData(root))

	ti, err := FromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, ti.Pieces[0].Priority)
	require.Equal(t, PriorityHigh, ti.Pieces[2].Priority)
	require.Equal(t, PriorityNormal, ti.Pieces[1].Priority)
}
