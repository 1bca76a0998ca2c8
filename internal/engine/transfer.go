package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BadgerOps/fastdl/internal/fingerprint"
	"github.com/BadgerOps/fastdl/internal/materialize"
	"github.com/BadgerOps/fastdl/internal/rules"
	"github.com/BadgerOps/fastdl/internal/safety"
	"github.com/BadgerOps/fastdl/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	// DefaultMinCompressSize is the size a file must exceed to be compressed.
	DefaultMinCompressSize int64 = 1048576
	// DefaultMaxCompressSize is the size a file must stay under to be compressed.
	DefaultMaxCompressSize int64 = 149999616
)

// Settings are the engine-wide tuning knobs.
type Settings struct {
	Workers          int
	MinCompressSize  int64
	MaxCompressSize  int64
	CompressionLevel int
	DigestCacheSize  int
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Workers:          4,
		MinCompressSize:  DefaultMinCompressSize,
		MaxCompressSize:  DefaultMaxCompressSize,
		CompressionLevel: 9,
	}
}

// ShouldCompress reports whether a file of the given size is stored
// compressed. Both bounds are exclusive.
func (s Settings) ShouldCompress(size int64) bool {
	return size > s.MinCompressSize && size < s.MaxCompressSize
}

// ContentFile is a file discovered under a server's folder.
type ContentFile struct {
	Identity string
	Path     string
	Size     int64
	ModTime  time.Time
}

// Engine mirrors server content trees into FastDL targets.
type Engine struct {
	fs       afero.Fs
	layout   *Layout
	settings Settings
	hasher   *fingerprint.Hasher
	checker  *Checker
	writer   *materialize.Writer
	store    *store.Store
	logger   *slog.Logger

	trackerMu     sync.RWMutex
	activeTracker *SyncTracker
}

// New creates an Engine. st may be nil, in which case no run history is kept.
func New(fs afero.Fs, layout *Layout, settings Settings, st *store.Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	if settings.MinCompressSize >= settings.MaxCompressSize {
		return nil, fmt.Errorf("min compress size %d must be below max compress size %d", settings.MinCompressSize, settings.MaxCompressSize)
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}

	hasher, err := fingerprint.New(fs, settings.DigestCacheSize, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		fs:       fs,
		layout:   layout,
		settings: settings,
		hasher:   hasher,
		checker:  NewChecker(fs, hasher),
		writer:   materialize.NewWriter(fs, settings.CompressionLevel, logger),
		store:    st,
		logger:   logger,
	}, nil
}

// Layout returns the engine's layout.
func (e *Engine) Layout() *Layout {
	return e.layout
}

// ActiveProgress returns the tracker of the target currently syncing, or nil.
func (e *Engine) ActiveProgress() *SyncTracker {
	e.trackerMu.RLock()
	defer e.trackerMu.RUnlock()
	return e.activeTracker
}

func (e *Engine) selectTargets(names []string) ([]Target, error) {
	if len(names) == 0 {
		return e.layout.Targets, nil
	}
	var targets []Target
	for _, name := range names {
		t, ok := e.layout.Target(name)
		if !ok {
			return nil, fmt.Errorf("target not found: %s", name)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Run synchronizes the selected targets one after another. It keeps going
// when a target fails and returns the reports gathered so far together with
// an error describing the failures.
func (e *Engine) Run(ctx context.Context, opts RunOptions) ([]*Report, error) {
	targets, err := e.selectTargets(opts.Targets)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	var reports []*Report
	var hasErrors bool

	for _, t := range targets {
		report, err := e.SyncTarget(ctx, runID, t, opts)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("sync cancelled", "target", t.Name)
				return reports, ctx.Err()
			}
			e.logger.Error("failed to sync target", "target", t.Name, "error", err)
			hasErrors = true
		}
	}

	if hasErrors {
		return reports, fmt.Errorf("one or more targets failed")
	}
	return reports, nil
}

// SyncTarget runs the transfer pass for one target and, once every transfer
// job has finished, the prune pass.
func (e *Engine) SyncTarget(ctx context.Context, runID string, t Target, opts RunOptions) (*Report, error) {
	log := e.logger.With("target", t.Name)
	log.Info("starting sync", "dry_run", opts.DryRun, "force", opts.Force)

	tracker := NewSyncTracker(t.Name)
	tracker.SetMessage("Planning sync for " + t.Name)
	e.trackerMu.Lock()
	e.activeTracker = tracker
	e.trackerMu.Unlock()

	report := &Report{RunID: runID, Target: t.Name, StartTime: time.Now(), DryRun: opts.DryRun}
	run := e.recordStart(report)

	p, err := e.plan(ctx, t, opts, report, false)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		e.recordFinish(run, report, err)
		return report, fmt.Errorf("failed to plan sync: %w", err)
	}

	tracker.SetTotals(len(p.jobs), report.Current)
	log.Info("sync plan generated", "jobs", len(p.jobs), "current", report.Current, "conflicts", len(report.Conflicts))

	if opts.DryRun {
		for _, job := range p.jobs {
			log.Info("would materialize", "identity", job.Identity, "dest", job.Dest, "mode", job.Mode)
			if job.Mode == materialize.ModeCompress {
				report.Compressed++
			} else {
				report.Copied++
			}
		}
	} else if len(p.jobs) > 0 {
		tracker.SetPhase(PhaseTransferring)
		tracker.SetMessage(fmt.Sprintf("Writing %d files (%d current)", len(p.jobs), report.Current))
		e.execute(ctx, p.jobs, tracker, report)
	}

	if err := ctx.Err(); err != nil {
		tracker.SetPhase(PhaseCancelled)
		e.recordFinish(run, report, err)
		return report, err
	}

	if !opts.NoPrune {
		tracker.SetPhase(PhasePruning)
		tracker.SetMessage("Pruning orphaned files in " + t.Name)
		if err := e.prune(ctx, t, opts, p.blocked, report); err != nil {
			tracker.SetPhase(PhaseFailed)
			e.recordFinish(run, report, err)
			return report, fmt.Errorf("failed to prune: %w", err)
		}
	}

	report.EndTime = time.Now()
	if len(report.Failed) > 0 {
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(fmt.Sprintf("Completed with %d failures", len(report.Failed)))
	} else {
		tracker.SetPhase(PhaseComplete)
		tracker.SetMessage(fmt.Sprintf("Sync complete: %d files written", report.Written()))
	}
	e.recordFinish(run, report, nil)

	log.Info("sync completed",
		"copied", report.Copied,
		"compressed", report.Compressed,
		"current", report.Current,
		"pruned", report.Pruned,
		"conflicts", len(report.Conflicts),
		"failed", len(report.Failed),
		"bytes_written", report.BytesWritten,
		"duration", report.EndTime.Sub(report.StartTime),
	)
	return report, nil
}

// Check runs discovery and the consistency check for the selected targets
// without touching any destination.
func (e *Engine) Check(ctx context.Context, opts RunOptions) ([]*Report, error) {
	targets, err := e.selectTargets(opts.Targets)
	if err != nil {
		return nil, err
	}

	var reports []*Report
	for _, t := range targets {
		report := &Report{Target: t.Name, StartTime: time.Now(), DryRun: true}
		if _, err := e.plan(ctx, t, opts, report, true); err != nil {
			return reports, fmt.Errorf("checking %s: %w", t.Name, err)
		}
		report.EndTime = time.Now()
		reports = append(reports, report)
	}
	return reports, nil
}

type plan struct {
	jobs []materialize.Job
	// blocked holds identities that must not be pruned this run.
	blocked map[string]bool
}

func blockKey(rule rules.FolderRule, identity string) string {
	return rule.Path + "\x00" + identity
}

// plan walks every folder rule of every server, checks consistency, and
// decides what needs writing. Each identity is planned once per rule, from
// the first server in target order that holds it.
func (e *Engine) plan(ctx context.Context, t Target, opts RunOptions, report *Report, checkOnly bool) (*plan, error) {
	folders, err := e.layout.Rules.Lookup(t.Game)
	if err != nil {
		return nil, err
	}

	p := &plan{blocked: make(map[string]bool)}
	for _, rule := range folders {
		seen := make(map[string]bool)

		for _, srv := range t.Servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			log := e.logger.With("target", t.Name, "server", srv.Name, "rule", rule.Path)

			files, err := e.discover(srv.Root, rule)
			if err != nil {
				if errors.Is(err, ErrMissingFolder) {
					log.Warn("folder does not exist, skipping rule", "error", err)
					report.MissingFolders = append(report.MissingFolders, err.Error())
					continue
				}
				log.Error("failed to list folder", "error", err)
				report.Failed = append(report.Failed, FailedFile{Path: filepath.Join(srv.Root, filepath.FromSlash(rule.Path)), Error: err.Error()})
				continue
			}

			for _, f := range files {
				if seen[f.Identity] {
					continue
				}
				seen[f.Identity] = true

				if err := e.checker.Check(ctx, t.Name, rule, f.Identity, srv, t.Servers); err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					p.blocked[blockKey(rule, f.Identity)] = true

					var conflict *ConflictError
					if errors.As(err, &conflict) {
						log.Warn("checksum mismatch, skipping file",
							"identity", f.Identity,
							"path_a", conflict.PathA, "digest_a", conflict.DigestA.String(),
							"path_b", conflict.PathB, "digest_b", conflict.DigestB.String())
						report.Conflicts = append(report.Conflicts, conflict)
						continue
					}
					log.Error("failed to check consistency", "identity", f.Identity, "error", err)
					report.Failed = append(report.Failed, FailedFile{Path: f.Path, Error: err.Error()})
					continue
				}

				if checkOnly {
					continue
				}

				job, current, err := e.decide(t, rule, f, opts)
				if err != nil {
					log.Error("failed to inspect destination", "identity", f.Identity, "error", err)
					report.Failed = append(report.Failed, FailedFile{Path: f.Path, Error: err.Error()})
					continue
				}
				if current {
					report.Current++
					continue
				}
				p.jobs = append(p.jobs, job)
			}
		}
	}
	return p, nil
}

// discover lists the files under root/rule.Path eligible under rule.
// Symlinks to regular files are followed; symlinked directories are not.
func (e *Engine) discover(root string, rule rules.FolderRule) ([]ContentFile, error) {
	folder, err := safety.JoinUnder(root, rule.Path)
	if err != nil {
		return nil, err
	}

	info, err := e.fs.Stat(folder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingFolder, folder)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMissingFolder, folder)
	}

	var files []ContentFile
	add := func(path string, info os.FileInfo) {
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := e.fs.Stat(path)
			if err != nil {
				e.logger.Warn("skipping unresolvable symlink", "path", path, "error", err)
				return
			}
			info = resolved
		}
		if !info.Mode().IsRegular() {
			return
		}
		identity, err := safety.Identity(folder, path)
		if err != nil {
			e.logger.Warn("skipping file with invalid identity", "path", path, "error", err)
			return
		}
		if !rule.Allows(identity) {
			return
		}
		files = append(files, ContentFile{
			Identity: identity,
			Path:     path,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	if !rule.Recursive {
		entries, err := afero.ReadDir(e.fs, folder)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", folder, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			add(filepath.Join(folder, entry.Name()), entry)
		}
		return files, nil
	}

	err = afero.Walk(e.fs, folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			e.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		add(path, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", folder, err)
	}
	return files, nil
}

// destinations returns the raw and compressed destination paths of identity.
func destinations(t Target, rule rules.FolderRule, identity string) (raw, compressed string, err error) {
	raw, err = safety.JoinUnder(t.Root, rule.Path, identity)
	if err != nil {
		return "", "", err
	}
	return raw, raw + CompressedSuffix, nil
}

// decide picks the representation for f and reports whether it is already
// current on the target.
func (e *Engine) decide(t Target, rule rules.FolderRule, f ContentFile, opts RunOptions) (materialize.Job, bool, error) {
	raw, compressed, err := destinations(t, rule, f.Identity)
	if err != nil {
		return materialize.Job{}, false, err
	}

	job := materialize.Job{
		Identity: f.Identity,
		Source:   f.Path,
		Dest:     raw,
		Remove:   []string{compressed},
		Mode:     materialize.ModeCopy,
		Size:     f.Size,
		ModTime:  f.ModTime,
	}
	if e.settings.ShouldCompress(f.Size) {
		job.Dest = compressed
		job.Remove = []string{raw}
		job.Mode = materialize.ModeCompress
	}

	if !opts.Force {
		current, err := IsCurrent(e.fs, job.Dest, f.ModTime)
		if err != nil {
			return materialize.Job{}, false, err
		}
		if current {
			return job, true, nil
		}
	}
	return job, false, nil
}

func (e *Engine) execute(ctx context.Context, jobs []materialize.Job, tracker *SyncTracker, report *Report) {
	pool := materialize.NewPool(e.writer, e.settings.Workers, e.logger)
	pool.OnComplete = func(job materialize.Job, out *materialize.Output, err error) {
		if err != nil {
			tracker.FileFailed(job.Dest, err.Error())
			return
		}
		tracker.FileCompleted(job.Dest, out.BytesWritten)
	}

	for _, r := range pool.Execute(ctx, jobs) {
		if !r.Success {
			report.Failed = append(report.Failed, FailedFile{Path: r.Job.Dest, Error: r.Error.Error()})
			continue
		}
		if r.Job.Mode == materialize.ModeCompress {
			report.Compressed++
		} else {
			report.Copied++
		}
		report.BytesRead += r.Output.BytesRead
		report.BytesWritten += r.Output.BytesWritten
	}
}

func (e *Engine) recordStart(report *Report) *store.SyncRun {
	if e.store == nil {
		return nil
	}
	run := &store.SyncRun{
		RunID:     report.RunID,
		Target:    report.Target,
		StartTime: report.StartTime,
		DryRun:    report.DryRun,
		Status:    "running",
	}
	if err := e.store.CreateSyncRun(run); err != nil {
		e.logger.Error("failed to create sync run record", "target", report.Target, "error", err)
		return nil
	}
	return run
}

func (e *Engine) recordFinish(run *store.SyncRun, report *Report, runErr error) {
	if run == nil {
		return
	}
	if report.EndTime.IsZero() {
		report.EndTime = time.Now()
	}

	run.EndTime = report.EndTime
	run.FilesCopied = report.Copied
	run.FilesCompressed = report.Compressed
	run.FilesCurrent = report.Current
	run.FilesPruned = report.Pruned
	run.FilesFailed = len(report.Failed)
	run.Conflicts = len(report.Conflicts)
	run.MissingFolders = len(report.MissingFolders)
	run.BytesRead = report.BytesRead
	run.BytesWritten = report.BytesWritten
	run.Status = report.Status()
	if runErr != nil {
		run.Status = "failed"
		run.ErrorMessage = runErr.Error()
	}

	if err := e.store.UpdateSyncRun(run); err != nil {
		e.logger.Error("failed to update sync run record", "target", report.Target, "error", err)
	}

	for _, c := range report.Conflicts {
		rec := &store.ConflictRecord{
			SyncRunID:  run.ID,
			Target:     c.Target,
			Rule:       c.Rule,
			Identity:   c.Identity,
			ServerA:    c.ServerA,
			PathA:      c.PathA,
			DigestA:    c.DigestA.String(),
			ServerB:    c.ServerB,
			PathB:      c.PathB,
			DigestB:    c.DigestB.String(),
			DetectedAt: report.EndTime,
		}
		if err := e.store.AddConflict(rec); err != nil {
			e.logger.Error("failed to record conflict", "target", report.Target, "identity", c.Identity, "error", err)
		}
	}

	if runErr == nil && len(report.Failed) == 0 && !report.DryRun {
		if n, err := e.store.ResolveFailedFiles(report.Target); err != nil {
			e.logger.Error("failed to resolve failed files", "target", report.Target, "error", err)
		} else if n > 0 {
			e.logger.Info("resolved previously failed files", "target", report.Target, "count", n)
		}
		return
	}

	for _, f := range report.Failed {
		rec := &store.FailedFileRecord{
			SyncRunID:    run.ID,
			Target:       report.Target,
			Path:         f.Path,
			Error:        f.Error,
			FirstFailure: report.EndTime,
			LastFailure:  report.EndTime,
		}
		if err := e.store.AddFailedFile(rec); err != nil {
			e.logger.Error("failed to record failed file", "target", report.Target, "path", f.Path, "error", err)
		}
	}
}
