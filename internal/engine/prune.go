package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/fastdl/internal/materialize"
	"github.com/BadgerOps/fastdl/internal/rules"
	"github.com/BadgerOps/fastdl/internal/safety"
	"github.com/spf13/afero"
)

// Prune runs only the prune pass for the selected targets.
func (e *Engine) Prune(ctx context.Context, opts RunOptions) ([]*Report, error) {
	targets, err := e.selectTargets(opts.Targets)
	if err != nil {
		return nil, err
	}

	var reports []*Report
	for _, t := range targets {
		report := &Report{Target: t.Name, DryRun: opts.DryRun}
		// A check-only plan finds the identities currently in conflict so
		// their destinations are left alone.
		p, err := e.plan(ctx, t, opts, report, true)
		if err != nil {
			return reports, fmt.Errorf("checking %s: %w", t.Name, err)
		}
		if err := e.prune(ctx, t, opts, p.blocked, report); err != nil {
			return reports, fmt.Errorf("pruning %s: %w", t.Name, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// prune removes destination files of t whose identity no server holds any
// longer and leftover temp files. A representation the source size no longer
// calls for is removed only when the other one is already current, so a file
// with a live source always keeps a destination. Names outside a rule's
// filter are never touched.
func (e *Engine) prune(ctx context.Context, t Target, opts RunOptions, blocked map[string]bool, report *Report) error {
	folders, err := e.layout.Rules.Lookup(t.Game)
	if err != nil {
		return err
	}

	for _, rule := range folders {
		log := e.logger.With("target", t.Name, "rule", rule.Path)

		folder, err := safety.JoinUnder(t.Root, rule.Path)
		if err != nil {
			return err
		}
		paths, err := listDestination(e.fs, folder, rule.Recursive)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Debug("destination folder does not exist, nothing to prune")
				continue
			}
			report.Failed = append(report.Failed, FailedFile{Path: folder, Error: err.Error()})
			log.Error("failed to list destination folder", "error", err)
			continue
		}

		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}

			if materialize.IsTempName(filepath.Base(path)) {
				e.remove(path, "temp file", opts.DryRun, report)
				continue
			}

			identity, err := safety.Identity(folder, path)
			if err != nil {
				log.Warn("skipping destination with invalid identity", "path", path, "error", err)
				continue
			}
			logical := strings.TrimSuffix(identity, CompressedSuffix)
			isCompressed := logical != identity

			if !rule.Allows(logical) || blocked[blockKey(rule, logical)] {
				continue
			}

			src, found, err := e.representative(t, rule, logical)
			if err != nil {
				report.Failed = append(report.Failed, FailedFile{Path: path, Error: err.Error()})
				log.Error("failed to look up source", "identity", logical, "error", err)
				continue
			}
			if !found {
				e.remove(path, "orphaned", opts.DryRun, report)
				continue
			}
			if e.settings.ShouldCompress(src.Size) == isCompressed {
				continue
			}
			// The unneeded form goes only once the needed form is in place.
			needed := path + CompressedSuffix
			if isCompressed {
				needed = strings.TrimSuffix(path, CompressedSuffix)
			}
			current, err := IsCurrent(e.fs, needed, src.ModTime)
			if err != nil {
				report.Failed = append(report.Failed, FailedFile{Path: needed, Error: err.Error()})
				log.Error("failed to inspect destination", "identity", logical, "error", err)
				continue
			}
			if current {
				e.remove(path, "stale representation", opts.DryRun, report)
			}
		}
	}
	return nil
}

func (e *Engine) remove(path, reason string, dryRun bool, report *Report) {
	if dryRun {
		e.logger.Info("would prune", "path", path, "reason", reason)
		report.Pruned++
		return
	}
	if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Error("failed to prune", "path", path, "error", err)
		report.Failed = append(report.Failed, FailedFile{Path: path, Error: err.Error()})
		return
	}
	e.logger.Info("pruned", "path", path, "reason", reason)
	report.Pruned++
}

// representative returns the copy of identity on the first server in target
// order that holds it as a regular file.
func (e *Engine) representative(t Target, rule rules.FolderRule, identity string) (ContentFile, bool, error) {
	for _, srv := range t.Servers {
		p, err := safety.JoinUnder(srv.Root, rule.Path, identity)
		if err != nil {
			return ContentFile{}, false, err
		}
		info, err := e.fs.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return ContentFile{}, false, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		return ContentFile{Identity: identity, Path: p, Size: info.Size(), ModTime: info.ModTime()}, true, nil
	}
	return ContentFile{}, false, nil
}

// listDestination returns the regular files under folder, descending into
// subdirectories only when recursive is set.
func listDestination(fs afero.Fs, folder string, recursive bool) ([]string, error) {
	info, err := fs.Stat(folder)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", folder)
	}

	var paths []string
	if !recursive {
		entries, err := afero.ReadDir(fs, folder)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Mode().IsRegular() {
				paths = append(paths, filepath.Join(folder, entry.Name()))
			}
		}
		return paths, nil
	}

	err = afero.Walk(fs, folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
