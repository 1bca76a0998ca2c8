package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/BadgerOps/fastdl/internal/materialize"
	"github.com/BadgerOps/fastdl/internal/safety"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// DefaultDelay is the quiet period after the last change before a sync runs.
const DefaultDelay = 2 * time.Second

// Debouncer coalesces bursts of triggers into one signal, delivered once no
// trigger has arrived for the configured delay.
type Debouncer struct {
	clock clockwork.Clock
	delay time.Duration
	kick  chan struct{}
	out   chan struct{}
}

// NewDebouncer creates a Debouncer. Run must be started for signals to flow.
func NewDebouncer(clock clockwork.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{
		clock: clock,
		delay: delay,
		kick:  make(chan struct{}, 1),
		out:   make(chan struct{}, 1),
	}
}

// Trigger restarts the quiet period. It never blocks.
func (d *Debouncer) Trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// C delivers one value per settled burst.
func (d *Debouncer) C() <-chan struct{} {
	return d.out
}

// Run processes triggers until ctx is done.
func (d *Debouncer) Run(ctx context.Context) {
	var (
		timer  clockwork.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.kick:
			if timer == nil {
				timer = d.clock.NewTimer(d.delay)
			} else {
				timer.Stop()
				timer.Reset(d.delay)
			}
			timerC = timer.Chan()
		case <-timerC:
			timerC = nil
			select {
			case d.out <- struct{}{}:
			default:
			}
		}
	}
}

// Watcher re-runs a sync whenever a server content tree changes.
type Watcher struct {
	fs        afero.Fs
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	logger    *slog.Logger
}

// New creates a Watcher over the rule folders of every server in layout.
func New(layout *engine.Layout, clock clockwork.Clock, delay time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}

	fs := afero.NewOsFs()
	paths, err := Paths(fs, layout)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no server folders to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			if cerr := fsw.Close(); cerr != nil {
				logger.Warn("failed to close file watcher", "error", cerr)
			}
			return nil, fmt.Errorf("watching %q: %w", p, err)
		}
	}
	logger.Info("watching server folders", "directories", len(paths), "delay", delay)

	return &Watcher{
		fs:        fs,
		fsw:       fsw,
		debouncer: NewDebouncer(clock, delay),
		logger:    logger,
	}, nil
}

// Paths returns the directories to watch: every rule folder of every server
// and, for recursive rules, every directory below it. When a rule folder
// does not exist yet, the server root is watched so its creation is seen.
func Paths(fs afero.Fs, layout *engine.Layout) ([]string, error) {
	seen := make(map[string]bool)
	add := func(p string) {
		seen[filepath.Clean(p)] = true
	}

	for _, t := range layout.Targets {
		folders, err := layout.Rules.Lookup(t.Game)
		if err != nil {
			return nil, err
		}
		for _, srv := range t.Servers {
			for _, rule := range folders {
				folder, err := safety.JoinUnder(srv.Root, rule.Path)
				if err != nil {
					return nil, err
				}
				if !isDir(fs, folder) {
					if isDir(fs, srv.Root) {
						add(srv.Root)
					}
					continue
				}
				if !rule.Recursive {
					add(folder)
					continue
				}
				dirs, err := subdirectories(fs, folder)
				if err != nil {
					return nil, err
				}
				for _, d := range dirs {
					add(d)
				}
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func isDir(fs afero.Fs, p string) bool {
	info, err := fs.Stat(p)
	return err == nil && info.IsDir()
}

func subdirectories(fs afero.Fs, root string) ([]string, error) {
	var dirs []string
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("walking %s: %w", p, err)
		}
		if info.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	return dirs, err
}

// Run calls onChange once at start and again after every settled burst of
// changes, until ctx is done. Errors from onChange are logged, not returned.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context) error) error {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("failed to close file watcher", "error", err)
		}
	}()

	go w.debouncer.Run(ctx)

	w.runOnce(ctx, onChange)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-w.debouncer.C():
			w.runOnce(ctx, onChange)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if materialize.IsTempName(filepath.Base(ev.Name)) {
		return
	}
	if ev.Op&fsnotify.Create != 0 && isDir(w.fs, ev.Name) {
		dirs, err := subdirectories(w.fs, ev.Name)
		if err != nil {
			w.logger.Warn("failed to list new directory", "path", ev.Name, "error", err)
		}
		for _, d := range dirs {
			if err := w.fsw.Add(d); err != nil {
				w.logger.Warn("failed to watch new directory", "path", d, "error", err)
			}
		}
	}
	w.logger.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
	w.debouncer.Trigger()
}

func (w *Watcher) runOnce(ctx context.Context, onChange func(ctx context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := onChange(ctx); err != nil {
		w.logger.Error("sync after change failed", "error", err)
	}
}
