package engine

import (
	"sync"
	"time"
)

// SyncPhase represents the current phase of a target sync.
type SyncPhase string

const (
	PhasePlanning     SyncPhase = "planning"
	PhaseTransferring SyncPhase = "transferring"
	PhasePruning      SyncPhase = "pruning"
	PhaseComplete     SyncPhase = "complete"
	PhaseFailed       SyncPhase = "failed"
	PhaseCancelled    SyncPhase = "cancelled"
)

// FileEvent records a completed or failed file for the recent activity log.
type FileEvent struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "completed", "failed"
	Error  string `json:"error,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// SyncProgress is a snapshot of a running sync, safe for JSON serialization.
type SyncProgress struct {
	Target         string      `json:"target"`
	Phase          SyncPhase   `json:"phase"`
	TotalFiles     int         `json:"total_files"`
	CompletedFiles int         `json:"completed_files"`
	FailedFiles    int         `json:"failed_files"`
	CurrentFiles   int         `json:"current_files"`
	BytesWritten   int64       `json:"bytes_written"`
	Percent        float64     `json:"percent"`
	RecentEvents   []FileEvent `json:"recent_events,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	Elapsed        string      `json:"elapsed"`
	Message        string      `json:"message,omitempty"`
}

// SyncTracker accumulates progress from pool workers in a thread-safe manner.
type SyncTracker struct {
	mu sync.Mutex

	target         string
	phase          SyncPhase
	totalFiles     int
	completedFiles int
	failedFiles    int
	currentFiles   int
	bytesWritten   int64
	startTime      time.Time
	message        string

	// Rolling log of recent completed/failed files (capped at 20)
	recentEvents []FileEvent
}

// NewSyncTracker creates a tracker for the given target.
func NewSyncTracker(target string) *SyncTracker {
	return &SyncTracker{
		target:    target,
		phase:     PhasePlanning,
		startTime: time.Now(),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *SyncTracker) Snapshot() SyncProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.totalFiles > 0 {
		pct = float64(t.completedFiles+t.failedFiles) / float64(t.totalFiles) * 100
	} else if t.phase == PhaseComplete {
		pct = 100
	}

	recentEvents := make([]FileEvent, len(t.recentEvents))
	copy(recentEvents, t.recentEvents)

	return SyncProgress{
		Target:         t.target,
		Phase:          t.phase,
		TotalFiles:     t.totalFiles,
		CompletedFiles: t.completedFiles,
		FailedFiles:    t.failedFiles,
		CurrentFiles:   t.currentFiles,
		BytesWritten:   t.bytesWritten,
		Percent:        pct,
		RecentEvents:   recentEvents,
		StartTime:      t.startTime,
		Elapsed:        time.Since(t.startTime).Truncate(time.Second).String(),
		Message:        t.message,
	}
}

// SetPhase updates the current sync phase.
func (t *SyncTracker) SetPhase(phase SyncPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
}

// SetTotals sets the number of files to materialize and the number already current.
func (t *SyncTracker) SetTotals(totalFiles, currentFiles int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFiles = totalFiles
	t.currentFiles = currentFiles
}

// SetMessage sets a human-readable status message.
func (t *SyncTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
}

// addRecentEvent prepends an event to the rolling log, capping at 20. Must be called with t.mu held.
func (t *SyncTracker) addRecentEvent(ev FileEvent) {
	t.recentEvents = append([]FileEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > 20 {
		t.recentEvents = t.recentEvents[:20]
	}
}

// FileCompleted marks a file as written.
func (t *SyncTracker) FileCompleted(path string, bytesWritten int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedFiles++
	t.bytesWritten += bytesWritten
	t.addRecentEvent(FileEvent{Path: path, Status: "completed", Size: bytesWritten})
}

// FileFailed marks a file as failed with an error reason.
func (t *SyncTracker) FileFailed(path string, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedFiles++
	t.addRecentEvent(FileEvent{Path: path, Status: "failed", Error: errMsg})
}
