// Package resume persists per-torrent run state (fast-resume) to sqlite
// via gorm: runStatus, the verified-piece bitfield, per-file
// priority/DND, speed limits, transfer totals, and destination path
// (§6).
package resume

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gtorrent/bitfield"
	"gtorrent/engine"
	"gtorrent/metainfo"
	"gtorrent/ratelimit"
)

// Store wraps the sqlite-backed persisted-state database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("resume: open: %w", err)
	}
	if err := db.AutoMigrate(&TorrentRecord{}, &FileRecord{}); err != nil {
		return nil, fmt.Errorf("resume: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Snapshot is the on-disk state for one torrent, loaded back into an
// Engine via InitFromSavedHash + RestoreVerifiedPieces.
type Snapshot struct {
	InfoHash   string
	DestDir    string
	RunStatus  string
	Verified   *bitfield.Bitfield
	DownLimit  int
	UpLimit    int
	RateMode   ratelimit.Mode
	Uploaded   int64
	Downloaded int64
	Files      []FileRecord
}

// Save captures e's current state and upserts it by info hash.
// cmd/gtorrentd calls it from the engine's resume hook and on shutdown.
func (s *Store) Save(e *engine.Engine, runStatus string) error {
	info := e.Info()
	infoHash := hex.EncodeToString(info.InfoHash[:])
	stats := e.GetStats()
	fileStats := e.GetFileStats()
	bf := e.PieceBitfield()

	rec := TorrentRecord{
		InfoHash:         infoHash,
		Name:             info.Name,
		DestDir:          e.DestDir(),
		RunStatus:        runStatus,
		TotalLength:      info.TotalLength,
		PieceLength:      info.PieceLength,
		PieceCount:       info.PieceCount(),
		VerifiedBitfield: bf.ByteView(),
		Uploaded:         stats.Uploaded,
		Downloaded:       stats.Downloaded,
	}

	var existing TorrentRecord
	tx := s.db.Where("info_hash = ?", infoHash).First(&existing)
	if tx.Error == nil {
		rec.Model = existing.Model
		// Rate controller doesn't expose its configured bps, only Mode().
		rec.DownLimitBps = existing.DownLimitBps
		rec.UpLimitBps = existing.UpLimitBps
		rec.RateMode = existing.RateMode
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("resume: save torrent record: %w", err)
	}

	if err := s.db.Where("torrent_record_id = ?", rec.ID).Delete(&FileRecord{}).Error; err != nil {
		return fmt.Errorf("resume: clear file records: %w", err)
	}
	for i, f := range fileStats {
		fr := FileRecord{
			TorrentRecordID: rec.ID,
			Index:           i,
			Priority:        int(f.Priority),
			DND:             f.DND,
		}
		if err := s.db.Create(&fr).Error; err != nil {
			return fmt.Errorf("resume: save file record: %w", err)
		}
	}

	log.Debug().Str("infohash", infoHash).Str("status", runStatus).Msg("resume: saved")
	return nil
}

// Load reads back the persisted state for infoHash (hex), or
// (nil, nil) if there is no record.
func (s *Store) Load(infoHash string) (*Snapshot, error) {
	var rec TorrentRecord
	tx := s.db.Preload("Files").Where("info_hash = ?", infoHash).First(&rec)
	if tx.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if tx.Error != nil {
		return nil, fmt.Errorf("resume: load: %w", tx.Error)
	}

	bf, err := bitfield.FromBytes(rec.VerifiedBitfield, rec.PieceCount)
	if err != nil {
		return nil, fmt.Errorf("resume: corrupt verified bitfield: %w", err)
	}

	return &Snapshot{
		InfoHash:   rec.InfoHash,
		DestDir:    rec.DestDir,
		RunStatus:  rec.RunStatus,
		Verified:   bf,
		DownLimit:  rec.DownLimitBps,
		UpLimit:    rec.UpLimitBps,
		RateMode:   ratelimit.Mode(rec.RateMode),
		Uploaded:   rec.Uploaded,
		Downloaded: rec.Downloaded,
		Files:      rec.Files,
	}, nil
}

// ApplyTo restores a snapshot's file selection and verified pieces onto
// a freshly constructed Engine for the same torrent.
func (snap *Snapshot) ApplyTo(e *engine.Engine) error {
	for _, f := range snap.Files {
		if err := e.SetFilePriority(f.Index, metainfo.Priority(f.Priority)); err != nil {
			return err
		}
		if err := e.SetFileDoNotDownload(f.Index, f.DND); err != nil {
			return err
		}
	}
	e.RestoreVerifiedPieces(snap.Verified)
	e.RestoreTransferTotals(snap.Uploaded, snap.Downloaded)
	e.FastResumeDirty() // the restore above marks dirty; the on-disk state is already current
	return nil
}

// Delete removes a torrent's persisted record entirely.
func (s *Store) Delete(infoHash string) error {
	return s.db.Where("info_hash = ?", infoHash).Delete(&TorrentRecord{}).Error
}
