package resume

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtorrent/engine"
	"gtorrent/metainfo"
)

func writeContent(t *testing.T, destDir string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "out.bin"), content, 0o644))
}

func testTorrentInfo() *metainfo.TorrentInfo {
	data1 := []byte("0123456789abcdef")
	data2 := []byte("ZYXWVUTSRQPONMLK")
	return &metainfo.TorrentInfo{
		InfoHash:    sha1.Sum([]byte("resume-test-torrent")),
		PieceLength: 16,
		TotalLength: 32,
		Files:       []metainfo.FileEntry{{Path: "out.bin", Length: 32, Offset: 0}},
		Pieces: []metainfo.PieceEntry{
			{Hash: sha1.Sum(data1)},
			{Hash: sha1.Sum(data2)},
		},
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	info := testTorrentInfo()
	destDir := t.TempDir()
	e, err := engine.InitFromData(info, engine.Options{DestDir: destDir, FdCacheSize: 4})
	require.NoError(t, err)
	defer e.Close()

	writeContent(t, destDir, []byte("0123456789abcdefZYXWVUTSRQPONMLK"))
	require.NoError(t, e.Recheck())
	require.NoError(t, e.SetFileDoNotDownload(0, false))

	require.NoError(t, store.Save(e, RunStatusStopped))

	infoHash := hex.EncodeToString(info.InfoHash[:])
	snap, err := store.Load(infoHash)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, RunStatusStopped, snap.RunStatus)
	assert.True(t, snap.Verified.Test(0))
	assert.True(t, snap.Verified.Test(1))
	assert.Equal(t, e.DestDir(), snap.DestDir)
}

func TestLoadMissingRecordReturnsNil(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Load(hex.EncodeToString(make([]byte, 20)))
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestApplyToRestoresVerifiedPieces(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	info := testTorrentInfo()
	origDestDir := t.TempDir()
	original, err := engine.InitFromData(info, engine.Options{DestDir: origDestDir, FdCacheSize: 4})
	require.NoError(t, err)
	defer original.Close()
	writeContent(t, origDestDir, []byte("0123456789abcdefZYXWVUTSRQPONMLK"))
	require.NoError(t, original.Recheck())
	require.NoError(t, store.Save(original, RunStatusStopped))

	snap, err := store.Load(hex.EncodeToString(info.InfoHash[:]))
	require.NoError(t, err)
	require.NotNil(t, snap)

	restored, err := engine.InitFromSavedHash(info, engine.Options{DestDir: t.TempDir(), FdCacheSize: 4})
	require.NoError(t, err)
	defer restored.Close()

	require.NoError(t, snap.ApplyTo(restored))
	assert.Equal(t, 1.0, restored.GetStats().PercentComplete)
}
