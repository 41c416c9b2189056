// Package storage maps piece/offset coordinates onto the multi-file
// layout on disk, performs sparse allocation, and verifies piece
// integrity via SHA-1. Read/Write/Verify are safe to call without
// holding the engine's torrent lock (§5).
package storage

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"gtorrent/metainfo"
)

// Kind enumerates the IoError taxonomy from §7.
type Kind int

const (
	IoOpenFailed Kind = iota
	IoSeekFailed
	IoShortTransfer
	IoPermission
	IoOther
)

func (k Kind) String() string {
	switch k {
	case IoOpenFailed:
		return "IoOpenFailed"
	case IoSeekFailed:
		return "IoSeekFailed"
	case IoShortTransfer:
		return "IoShortTransfer"
	case IoPermission:
		return "IoPermission"
	default:
		return "IoOther"
	}
}

// IoError wraps an underlying OS error with the §7 classification.
type IoError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func classify(path string, err error) *IoError {
	kind := IoOther
	switch {
	case os.IsPermission(err):
		kind = IoPermission
	case os.IsNotExist(err):
		kind = IoOpenFailed
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		kind = IoShortTransfer
	}
	return &IoError{Kind: kind, Path: path, Err: err}
}

const defaultFdCacheSize = 64

// Storage mediates block-level reads and writes against the on-disk
// layout described by a TorrentInfo, amortizing file-open cost with a
// small LRU descriptor cache.
type Storage struct {
	info    *metainfo.TorrentInfo
	destDir string
	fds     *lru.Cache[string, *os.File]
}

// New creates a Storage rooted at destDir for the given torrent. It
// does not touch the filesystem until Read/Write/Verify is called.
func New(destDir string, info *metainfo.TorrentInfo, fdCacheSize int) (*Storage, error) {
	if fdCacheSize <= 0 {
		fdCacheSize = defaultFdCacheSize
	}
	s := &Storage{info: info, destDir: destDir}
	cache, err := lru.NewWithEvict[string, *os.File](fdCacheSize, func(path string, f *os.File) {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("storage: error closing evicted descriptor")
		}
	})
	if err != nil {
		return nil, err
	}
	s.fds = cache
	return s, nil
}

// Close closes every cached descriptor, called during engine shutdown
// after the last pending write.
func (s *Storage) Close() {
	for _, key := range s.fds.Keys() {
		if f, ok := s.fds.Peek(key); ok {
			f.Close()
		}
	}
	s.fds.Purge()
}

// Sync fsyncs every currently cached descriptor.
func (s *Storage) Sync() error {
	for _, key := range s.fds.Keys() {
		if f, ok := s.fds.Peek(key); ok {
			if err := f.Sync(); err != nil {
				return classify(key, err)
			}
		}
	}
	return nil
}

func (s *Storage) openForWrite(path string) (*os.File, error) {
	if f, ok := s.fds.Get(path); ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, classify(path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, classify(path, err)
	}
	s.fds.Add(path, f)
	return f, nil
}

func (s *Storage) openForRead(path string) (*os.File, error) {
	if f, ok := s.fds.Get(path); ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err)
	}
	s.fds.Add(path, f)
	return f, nil
}

// ensureMinLength grows a file via truncate-extend so that it is at
// least minLen bytes long (sparse allocation), unless it already is.
func ensureMinLength(f *os.File, minLen int64) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= minLen {
		return nil
	}
	return f.Truncate(minLen)
}

func (s *Storage) filePath(fileIndex int) string {
	return filepath.Join(s.destDir, s.info.Files[fileIndex].Path)
}

// Write writes len bytes from buf at (pieceIndex, offset), splitting the
// write at every file boundary it crosses. Each sub-write first grows
// its target file to fileOffset+subLen. On any sub-operation error the
// call returns immediately; earlier sub-writes already committed are
// not rolled back — a later Verify will surface the corruption and the
// piece will be re-downloaded (§4.3 policy).
func (s *Storage) Write(pieceIndex int, offset int64, length int64, buf []byte) error {
	position := int64(pieceIndex)*s.info.PieceLength + offset
	remaining := length
	bufOff := int64(0)

	for remaining > 0 {
		fileIndex, fileOffset, err := s.info.Locate(position)
		if err != nil {
			return err
		}
		file := s.info.Files[fileIndex]
		subLen := file.Length - fileOffset
		if subLen > remaining {
			subLen = remaining
		}
		if subLen <= 0 {
			return fmt.Errorf("storage: zero-length sub-write at piece %d offset %d", pieceIndex, offset)
		}

		path := s.filePath(fileIndex)
		f, err := s.openForWrite(path)
		if err != nil {
			return err
		}
		if err := ensureMinLength(f, fileOffset+subLen); err != nil {
			return classify(path, err)
		}
		n, err := f.WriteAt(buf[bufOff:bufOff+subLen], fileOffset)
		if err != nil {
			return classify(path, err)
		}
		if int64(n) != subLen {
			return classify(path, fmt.Errorf("short write: %d of %d bytes", n, subLen))
		}

		position += subLen
		bufOff += subLen
		remaining -= subLen
	}
	return nil
}

// Read fills buf with len bytes from (pieceIndex, offset), splitting
// the read at every file boundary it crosses.
func (s *Storage) Read(pieceIndex int, offset int64, length int64, buf []byte) error {
	position := int64(pieceIndex)*s.info.PieceLength + offset
	remaining := length
	bufOff := int64(0)

	for remaining > 0 {
		fileIndex, fileOffset, err := s.info.Locate(position)
		if err != nil {
			return err
		}
		file := s.info.Files[fileIndex]
		subLen := file.Length - fileOffset
		if subLen > remaining {
			subLen = remaining
		}
		if subLen <= 0 {
			return fmt.Errorf("storage: zero-length sub-read at piece %d offset %d", pieceIndex, offset)
		}

		path := s.filePath(fileIndex)
		f, err := s.openForRead(path)
		if err != nil {
			return err
		}
		n, err := f.ReadAt(buf[bufOff:bufOff+subLen], fileOffset)
		if err != nil && err != io.EOF {
			return classify(path, err)
		}
		if int64(n) != subLen {
			return classify(path, fmt.Errorf("short read: %d of %d bytes", n, subLen))
		}

		position += subLen
		bufOff += subLen
		remaining -= subLen
	}
	return nil
}

// Verify reads the whole of piece p and compares its SHA-1 to the
// expected hash from TorrentInfo.
func (s *Storage) Verify(pieceIndex int) (bool, error) {
	pieceLen := s.info.PieceLen(pieceIndex)
	buf := make([]byte, pieceLen)
	if err := s.Read(pieceIndex, 0, pieceLen, buf); err != nil {
		return false, err
	}
	sum := sha1.Sum(buf)
	return sum == s.info.Pieces[pieceIndex].Hash, nil
}
