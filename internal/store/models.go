package store

import "time"

// SyncRun records one target's part of a sync execution
type SyncRun struct {
	ID              int64
	RunID           string // shared by all targets of one invocation
	Target          string
	StartTime       time.Time
	EndTime         time.Time
	DryRun          bool
	FilesCopied     int
	FilesCompressed int
	FilesCurrent    int
	FilesPruned     int
	FilesFailed     int
	Conflicts       int
	MissingFolders  int
	BytesRead       int64
	BytesWritten    int64
	Status          string // "running", "success", "partial", "failed"
	ErrorMessage    string
}

// ConflictRecord is a checksum mismatch detected during a run
type ConflictRecord struct {
	ID         int64
	SyncRunID  int64
	Target     string
	Rule       string
	Identity   string
	ServerA    string
	PathA      string
	DigestA    string
	ServerB    string
	PathB      string
	DigestB    string
	DetectedAt time.Time
}

// FailedFileRecord is a dead letter queue entry
type FailedFileRecord struct {
	ID           int64
	SyncRunID    int64
	Target       string
	Path         string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}
