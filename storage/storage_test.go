package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gtorrent/metainfo"
)

func TestSingleFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data1 := []byte("0123456789abcdef")
	data2 := []byte("ZYXWVUTSRQPONMLK")
	h1 := sha1.Sum(data1)
	h2 := sha1.Sum(data2)

	info := &metainfo.TorrentInfo{
		PieceLength: 16,
		TotalLength: 32,
		Files:       []metainfo.FileEntry{{Path: "out.bin", Length: 32, Offset: 0}},
		Pieces: []metainfo.PieceEntry{
			{Hash: h1}, {Hash: h2},
		},
	}

	st, err := New(dir, info, 4)
	require.NoError(t, err)

	require.NoError(t, st.Write(0, 0, 16, data1))
	require.NoError(t, st.Write(1, 0, 16, data2))

	ok, err := st.Verify(0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Verify(1)
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, data1...), data2...), raw)
}

func TestMultiFileBoundaryWrite(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.TorrentInfo{
		PieceLength: 16,
		TotalLength: 32,
		Files: []metainfo.FileEntry{
			{Path: "a", Length: 10, Offset: 0},
			{Path: "b", Length: 22, Offset: 10},
		},
		Pieces: []metainfo.PieceEntry{{}, {}},
	}
	st, err := New(dir, info, 4)
	require.NoError(t, err)

	block := make([]byte, 16)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, st.Write(0, 0, 16, block))

	aData, err := os.ReadFile(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Equal(t, block[:10], aData)

	bInfo, err := os.Stat(filepath.Join(dir, "b"))
	require.NoError(t, err)
	require.Equal(t, int64(6), bInfo.Size()) // sparse-grown to exactly what was written so far

	bData, err := os.ReadFile(filepath.Join(dir, "b"))
	require.NoError(t, err)
	require.Equal(t, block[10:16], bData)
}

func TestVerifyFailureOnCorruption(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.TorrentInfo{
		PieceLength: 4,
		TotalLength: 4,
		Files:       []metainfo.FileEntry{{Path: "f", Length: 4, Offset: 0}},
		Pieces:      []metainfo.PieceEntry{{Hash: sha1.Sum([]byte("abcd"))}},
	}
	st, err := New(dir, info, 2)
	require.NoError(t, err)
	require.NoError(t, st.Write(0, 0, 4, []byte("wxyz")))

	ok, err := st.Verify(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWritesSurviveFdCacheEviction(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.TorrentInfo{
		PieceLength: 1,
		TotalLength: 3,
		Files: []metainfo.FileEntry{
			{Path: "a", Length: 1, Offset: 0},
			{Path: "b", Length: 1, Offset: 1},
			{Path: "c", Length: 1, Offset: 2},
		},
		Pieces: []metainfo.PieceEntry{{}, {}, {}},
	}
	st, err := New(dir, info, 1) // cache of size 1: every open evicts the previous
	require.NoError(t, err)

	require.NoError(t, st.Write(0, 0, 1, []byte("a")))
	require.NoError(t, st.Write(1, 0, 1, []byte("b")))
	require.NoError(t, st.Write(2, 0, 1, []byte("c")))

	data, err := os.ReadFile(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), data)
}
