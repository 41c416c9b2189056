package resume

import "gorm.io/gorm"

// TorrentRecord is one persisted torrent, keyed by info-hash hex, the
// field set named in the engine's persisted-state contract: runStatus,
// the verified-piece bitfield, per-file priority/DND, speed limits,
// totals, destination path.
type TorrentRecord struct {
	gorm.Model
	InfoHash    string `gorm:"uniqueIndex"`
	Name        string
	DestDir     string
	RunStatus   string
	TotalLength int64
	PieceLength int64
	PieceCount  int
	// VerifiedBitfield is the piece-level bitfield's wire byte view
	// (MSB-first, one bit per piece), not a per-byte content blob.
	VerifiedBitfield []byte
	DownLimitBps     int
	UpLimitBps       int
	RateMode         int
	Uploaded         int64 // cumulative bytes sent, across restarts
	Downloaded       int64 // cumulative bytes received, across restarts

	Files []FileRecord
}

// RunStatus values record whether the torrent was running or stopped,
// stored as text for readability in the database.
const (
	RunStatusStopped = "stopped"
	RunStatusRunning = "running"
)

// FileRecord persists one file's selection state within a torrent.
type FileRecord struct {
	ID              uint `gorm:"primaryKey"`
	TorrentRecordID uint
	Index           int
	Priority        int
	DND             bool
}
