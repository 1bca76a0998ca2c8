package engine

import "time"

// RunOptions controls a single engine run.
type RunOptions struct {
	// Targets limits the run to the named targets; empty means all.
	Targets []string
	DryRun  bool
	// Force rebuilds destinations even when their mtime matches.
	Force   bool
	NoPrune bool
}

// FailedFile records a file that could not be materialized or pruned.
type FailedFile struct {
	Path  string
	Error string
}

// Report summarizes one target's sync.
type Report struct {
	RunID          string
	Target         string
	StartTime      time.Time
	EndTime        time.Time
	DryRun         bool
	Copied         int
	Compressed     int
	Current        int
	Pruned         int
	Conflicts      []*ConflictError
	MissingFolders []string
	Failed         []FailedFile
	BytesRead      int64
	BytesWritten   int64
}

// Status classifies the outcome in the same vocabulary the run history uses.
func (r *Report) Status() string {
	switch {
	case len(r.Failed) > 0 || len(r.Conflicts) > 0:
		return "partial"
	default:
		return "success"
	}
}

// Written is the number of destination files created or replaced.
func (r *Report) Written() int {
	return r.Copied + r.Compressed
}
