package engine

import (
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/fastdl/internal/rules"
	"github.com/spf13/afero"
)

const testGame rules.GameType = "csgo"

var testMtime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRules(t *testing.T) *rules.Table {
	t.Helper()
	maps, err := rules.NewFolderRule("maps", []string{".bsp", ".nav", ".txt"}, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	sound, err := rules.NewFolderRule("sound", []string{".wav"}, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	table, err := rules.NewTable(map[rules.GameType][]rules.FolderRule{testGame: {maps, sound}})
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// testLayout builds one target "fastdl" at /fastdl fed by servers a and b.
func testLayout(t *testing.T) *Layout {
	t.Helper()
	return &Layout{
		Rules: testRules(t),
		Targets: []Target{{
			Name: "fastdl",
			Game: testGame,
			Root: "/fastdl",
			Servers: []Server{
				{Name: "a", Game: testGame, Root: "/srv/a"},
				{Name: "b", Game: testGame, Root: "/srv/b"},
			},
		}},
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.MinCompressSize = 16
	s.MaxCompressSize = 64
	s.Workers = 2
	return s
}

func newTestEngine(t *testing.T, fs afero.Fs, settings Settings) *Engine {
	t.Helper()
	e, err := New(fs, testLayout(t), settings, nil, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

func put(t *testing.T, fs afero.Fs, path string, data []byte, mtime time.Time) {
	t.Helper()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func runOnce(t *testing.T, e *Engine, opts RunOptions) *Report {
	t.Helper()
	reports, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("len(reports) = %d, want 1", len(reports))
	}
	return reports[0]
}

func readBzip2(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("decompressing %s: %v", path, err)
	}
	return data
}

func TestSettingsShouldCompress(t *testing.T) {
	s := DefaultSettings()
	tests := []struct {
		size int64
		want bool
	}{
		{0, false},
		{1048576, false},
		{1048577, true},
		{149999615, true},
		{149999616, false},
		{200000000, false},
	}
	for _, tt := range tests {
		if got := s.ShouldCompress(tt.size); got != tt.want {
			t.Errorf("ShouldCompress(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	s := testSettings()
	s.MinCompressSize = 100
	s.MaxCompressSize = 100
	if _, err := New(afero.NewMemMapFs(), testLayout(t), s, nil, testLogger()); err == nil {
		t.Error("expected error when min compress size is not below max")
	}
}

func TestSyncCopiesAndCompresses(t *testing.T) {
	fs := afero.NewMemMapFs()
	small := []byte("small")
	large := bytes.Repeat([]byte("x"), 32)
	put(t, fs, "/srv/a/maps/de_small.bsp", small, testMtime)
	put(t, fs, "/srv/a/maps/sub/de_large.bsp", large, testMtime)

	e := newTestEngine(t, fs, testSettings())
	report := runOnce(t, e, RunOptions{})

	if report.Copied != 1 || report.Compressed != 1 {
		t.Errorf("copied=%d compressed=%d, want 1 and 1", report.Copied, report.Compressed)
	}

	got, err := afero.ReadFile(fs, "/fastdl/maps/de_small.bsp")
	if err != nil {
		t.Fatalf("raw destination missing: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Errorf("raw destination content = %q, want %q", got, small)
	}

	if exists(t, fs, "/fastdl/maps/sub/de_large.bsp") {
		t.Error("large file should not be stored raw")
	}
	if data := readBzip2(t, fs, "/fastdl/maps/sub/de_large.bsp.bz2"); !bytes.Equal(data, large) {
		t.Error("compressed destination does not decompress to the source")
	}

	info, err := fs.Stat("/fastdl/maps/sub/de_large.bsp.bz2")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(testMtime) {
		t.Errorf("destination mtime = %v, want %v", info.ModTime(), testMtime)
	}
}

func TestSyncThresholdBoundaries(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/at_min.bsp", bytes.Repeat([]byte("a"), 16), testMtime)
	put(t, fs, "/srv/a/maps/above_min.bsp", bytes.Repeat([]byte("b"), 17), testMtime)
	put(t, fs, "/srv/a/maps/at_max.bsp", bytes.Repeat([]byte("c"), 64), testMtime)

	e := newTestEngine(t, fs, testSettings())
	runOnce(t, e, RunOptions{})

	for _, p := range []string{"/fastdl/maps/at_min.bsp", "/fastdl/maps/above_min.bsp.bz2", "/fastdl/maps/at_max.bsp"} {
		if !exists(t, fs, p) {
			t.Errorf("expected %s", p)
		}
	}
	for _, p := range []string{"/fastdl/maps/at_min.bsp.bz2", "/fastdl/maps/above_min.bsp", "/fastdl/maps/at_max.bsp.bz2"} {
		if exists(t, fs, p) {
			t.Errorf("unexpected %s", p)
		}
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_dust.bsp", []byte("dust"), testMtime)
	put(t, fs, "/srv/a/maps/de_big.bsp", bytes.Repeat([]byte("z"), 40), testMtime)
	// Same content on b with a different mtime; a is consulted first.
	put(t, fs, "/srv/b/maps/de_dust.bsp", []byte("dust"), testMtime.Add(time.Hour))

	e := newTestEngine(t, fs, testSettings())
	first := runOnce(t, e, RunOptions{})
	if first.Written() != 2 {
		t.Fatalf("first run wrote %d files, want 2", first.Written())
	}

	second := runOnce(t, e, RunOptions{})
	if second.Written() != 0 {
		t.Errorf("second run wrote %d files, want 0", second.Written())
	}
	if second.Current != 2 {
		t.Errorf("second run current = %d, want 2", second.Current)
	}
	if second.Pruned != 0 {
		t.Errorf("second run pruned = %d, want 0", second.Pruned)
	}
}

func TestSyncForceRewrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_dust.bsp", []byte("dust"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	runOnce(t, e, RunOptions{})
	report := runOnce(t, e, RunOptions{Force: true})
	if report.Copied != 1 {
		t.Errorf("forced run copied %d files, want 1", report.Copied)
	}
}

func TestSyncConflictSkipsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_x.bsp", []byte("content-1"), testMtime)
	put(t, fs, "/srv/b/maps/de_x.bsp", []byte("content-2"), testMtime)
	put(t, fs, "/srv/a/maps/de_ok.bsp", []byte("fine"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	reports, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	report := reports[0]

	if len(report.Conflicts) != 1 {
		t.Fatalf("len(Conflicts) = %d, want 1", len(report.Conflicts))
	}
	c := report.Conflicts[0]
	if c.Identity != "de_x.bsp" || c.Rule != "maps" {
		t.Errorf("conflict for %s/%s, want maps/de_x.bsp", c.Rule, c.Identity)
	}
	if c.PathA != "/srv/a/maps/de_x.bsp" || c.PathB != "/srv/b/maps/de_x.bsp" {
		t.Errorf("conflict paths = %q, %q", c.PathA, c.PathB)
	}
	if !errors.Is(c, ErrConsistencyConflict) {
		t.Error("conflict should match ErrConsistencyConflict")
	}

	if exists(t, fs, "/fastdl/maps/de_x.bsp") || exists(t, fs, "/fastdl/maps/de_x.bsp.bz2") {
		t.Error("conflicting file should not be materialized")
	}
	if !exists(t, fs, "/fastdl/maps/de_ok.bsp") {
		t.Error("files after the conflict should still be materialized")
	}
	if report.Status() != "partial" {
		t.Errorf("Status() = %q, want partial", report.Status())
	}
}

func TestSyncConflictKeepsExistingDestination(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_x.bsp", []byte("content-1"), testMtime)
	put(t, fs, "/srv/b/maps/de_x.bsp", []byte("content-2"), testMtime)
	put(t, fs, "/fastdl/maps/de_x.bsp", []byte("old"), testMtime.Add(-time.Hour))

	e := newTestEngine(t, fs, testSettings())
	runOnce(t, e, RunOptions{})

	got, err := afero.ReadFile(fs, "/fastdl/maps/de_x.bsp")
	if err != nil {
		t.Fatalf("destination removed during conflict: %v", err)
	}
	if string(got) != "old" {
		t.Errorf("destination = %q, want untouched", got)
	}
}

func TestSyncRepresentationSwitch(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_grow.bsp", []byte("tiny"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	runOnce(t, e, RunOptions{})
	if !exists(t, fs, "/fastdl/maps/de_grow.bsp") {
		t.Fatal("expected raw destination")
	}

	put(t, fs, "/srv/a/maps/de_grow.bsp", bytes.Repeat([]byte("g"), 40), testMtime.Add(time.Minute))
	runOnce(t, e, RunOptions{})
	if exists(t, fs, "/fastdl/maps/de_grow.bsp") {
		t.Error("raw representation should be removed after growing past the threshold")
	}
	if !exists(t, fs, "/fastdl/maps/de_grow.bsp.bz2") {
		t.Error("expected compressed destination")
	}

	put(t, fs, "/srv/a/maps/de_grow.bsp", []byte("tiny again"), testMtime.Add(2*time.Minute))
	runOnce(t, e, RunOptions{})
	if exists(t, fs, "/fastdl/maps/de_grow.bsp.bz2") {
		t.Error("compressed representation should be removed after shrinking")
	}
	if !exists(t, fs, "/fastdl/maps/de_grow.bsp") {
		t.Error("expected raw destination")
	}
}

func TestSyncExtensionFilter(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_dust.bsp", []byte("map"), testMtime)
	put(t, fs, "/srv/a/maps/de_dust.cfg", []byte("cfg"), testMtime)
	put(t, fs, "/srv/a/maps/DE_UPPER.BSP", []byte("upper"), testMtime)
	// Different content on b for a filtered name must not conflict.
	put(t, fs, "/srv/b/maps/de_dust.cfg", []byte("other cfg"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	report := runOnce(t, e, RunOptions{})

	if len(report.Conflicts) != 0 {
		t.Errorf("filtered files produced %d conflicts", len(report.Conflicts))
	}
	if !exists(t, fs, "/fastdl/maps/de_dust.bsp") {
		t.Error("expected de_dust.bsp")
	}
	for _, p := range []string{"/fastdl/maps/de_dust.cfg", "/fastdl/maps/DE_UPPER.BSP"} {
		if exists(t, fs, p) {
			t.Errorf("%s should be filtered out", p)
		}
	}
}

func TestSyncFlatRule(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/sound/top.wav", []byte("top"), testMtime)
	put(t, fs, "/srv/a/sound/nested/deep.wav", []byte("deep"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	runOnce(t, e, RunOptions{})

	if !exists(t, fs, "/fastdl/sound/top.wav") {
		t.Error("expected top-level file of a flat rule")
	}
	if exists(t, fs, "/fastdl/sound/nested/deep.wav") {
		t.Error("flat rule should not descend into subdirectories")
	}
}

func TestSyncMissingFolder(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_dust.bsp", []byte("map"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	report := runOnce(t, e, RunOptions{})

	// sound is missing on a and b, maps is missing on b.
	if len(report.MissingFolders) != 3 {
		t.Errorf("len(MissingFolders) = %d, want 3: %v", len(report.MissingFolders), report.MissingFolders)
	}
	if !exists(t, fs, "/fastdl/maps/de_dust.bsp") {
		t.Error("other rules should still sync")
	}
}

func TestSyncDryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_dust.bsp", []byte("map"), testMtime)
	put(t, fs, "/fastdl/maps/de_gone.bsp", []byte("orphan"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	report := runOnce(t, e, RunOptions{DryRun: true})

	if report.Copied != 1 {
		t.Errorf("dry run copied = %d, want 1", report.Copied)
	}
	if report.Pruned != 1 {
		t.Errorf("dry run pruned = %d, want 1", report.Pruned)
	}
	if exists(t, fs, "/fastdl/maps/de_dust.bsp") {
		t.Error("dry run should not write")
	}
	if !exists(t, fs, "/fastdl/maps/de_gone.bsp") {
		t.Error("dry run should not prune")
	}
}

func TestSyncUnknownTarget(t *testing.T) {
	e := newTestEngine(t, afero.NewMemMapFs(), testSettings())
	if _, err := e.Run(context.Background(), RunOptions{Targets: []string{"nope"}}); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestSyncCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_dust.bsp", []byte("map"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if exists(t, fs, "/fastdl/maps/de_dust.bsp") {
		t.Error("cancelled run should not write")
	}
}

func TestSyncProgressTracking(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/one.bsp", []byte("1"), testMtime)
	put(t, fs, "/srv/a/maps/two.bsp", []byte("2"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	if e.ActiveProgress() != nil {
		t.Error("ActiveProgress() should be nil before any sync")
	}
	runOnce(t, e, RunOptions{})

	snap := e.ActiveProgress().Snapshot()
	if snap.Phase != PhaseComplete {
		t.Errorf("phase = %q, want %q", snap.Phase, PhaseComplete)
	}
	if snap.TotalFiles != 2 || snap.CompletedFiles != 2 {
		t.Errorf("total=%d completed=%d, want 2 and 2", snap.TotalFiles, snap.CompletedFiles)
	}
	if snap.Percent != 100 {
		t.Errorf("percent = %v, want 100", snap.Percent)
	}
}

// A 2 MiB map held identically by two servers lands once, compressed, and
// stays while either server still holds it.
func TestSyncTwoServersDefaultThresholds(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := bytes.Repeat([]byte("de_test"), 2*1024*1024/7+1)[:2*1024*1024]
	put(t, fs, "/srv/a/maps/de_test.bsp", data, testMtime)
	put(t, fs, "/srv/b/maps/de_test.bsp", data, testMtime)

	settings := DefaultSettings()
	e := newTestEngine(t, fs, settings)
	report := runOnce(t, e, RunOptions{})

	if report.Compressed != 1 || report.Copied != 0 {
		t.Errorf("compressed=%d copied=%d, want 1 and 0", report.Compressed, report.Copied)
	}
	if exists(t, fs, "/fastdl/maps/de_test.bsp") {
		t.Error("raw copy should not exist")
	}
	if got := readBzip2(t, fs, "/fastdl/maps/de_test.bsp.bz2"); !bytes.Equal(got, data) {
		t.Error("decompressed content differs from source")
	}
	info, err := fs.Stat("/fastdl/maps/de_test.bsp.bz2")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(testMtime) {
		t.Errorf("destination mtime = %v, want %v", info.ModTime(), testMtime)
	}

	second := runOnce(t, e, RunOptions{})
	if second.Written() != 0 || second.Pruned != 0 {
		t.Errorf("second run wrote %d and pruned %d, want 0 and 0", second.Written(), second.Pruned)
	}

	if err := fs.Remove("/srv/b/maps/de_test.bsp"); err != nil {
		t.Fatal(err)
	}
	third := runOnce(t, e, RunOptions{})
	if third.Written() != 0 || third.Pruned != 0 {
		t.Errorf("third run wrote %d and pruned %d, want 0 and 0", third.Written(), third.Pruned)
	}
	if !exists(t, fs, "/fastdl/maps/de_test.bsp.bz2") {
		t.Error("compressed file should be kept while server a still holds it")
	}
}

func TestCheckReportsConflictsWithoutWriting(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/de_x.bsp", []byte("one"), testMtime)
	put(t, fs, "/srv/b/maps/de_x.bsp", []byte("two"), testMtime)
	put(t, fs, "/srv/a/maps/de_ok.bsp", []byte("ok"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	reports, err := e.Check(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if len(reports) != 1 || len(reports[0].Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", reports)
	}
	if exists(t, fs, "/fastdl/maps/de_ok.bsp") {
		t.Error("Check() should not write")
	}
}

func TestLayoutValidate(t *testing.T) {
	valid := func() *Layout { return testLayout(t) }

	tests := []struct {
		name    string
		mutate  func(l *Layout)
		wantErr string
	}{
		{"valid", func(l *Layout) {}, ""},
		{"no rules", func(l *Layout) { l.Rules = nil }, "no rule table"},
		{"no targets", func(l *Layout) { l.Targets = nil }, "no targets"},
		{"relative root", func(l *Layout) { l.Targets[0].Root = "fastdl" }, "not absolute"},
		{"unknown game", func(l *Layout) {
			l.Targets[0].Game = "tf2"
			for i := range l.Targets[0].Servers {
				l.Targets[0].Servers[i].Game = "tf2"
			}
		}, "unknown game"},
		{"no servers", func(l *Layout) { l.Targets[0].Servers = nil }, "no servers"},
		{"game mismatch", func(l *Layout) { l.Targets[0].Servers[1].Game = "tf2" }, "does not match"},
		{"duplicate server", func(l *Layout) { l.Targets[0].Servers[1].Name = "a" }, "mapped to both"},
		{"server is target", func(l *Layout) { l.Targets[0].Servers[0].Root = "/fastdl" }, "/fastdl"},
		{"duplicate target", func(l *Layout) {
			dup := l.Targets[0]
			dup.Servers = []Server{{Name: "c", Game: testGame, Root: "/srv/c"}}
			l.Targets = append(l.Targets, dup)
		}, "duplicate target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid()
			tt.mutate(l)
			err := l.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsCurrent(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/d/file.bsp", []byte("x"), testMtime)

	current, err := IsCurrent(fs, "/d/file.bsp", testMtime)
	if err != nil || !current {
		t.Errorf("IsCurrent(same mtime) = %v, %v; want true", current, err)
	}
	current, err = IsCurrent(fs, "/d/file.bsp", testMtime.Add(time.Second))
	if err != nil || current {
		t.Errorf("IsCurrent(different mtime) = %v, %v; want false", current, err)
	}
	current, err = IsCurrent(fs, "/d/missing.bsp", testMtime)
	if err != nil || current {
		t.Errorf("IsCurrent(missing) = %v, %v; want false", current, err)
	}
	if err := fs.MkdirAll("/d/dir.bsp", 0o755); err != nil {
		t.Fatal(err)
	}
	current, err = IsCurrent(fs, "/d/dir.bsp", testMtime)
	if err != nil || current {
		t.Errorf("IsCurrent(directory) = %v, %v; want false", current, err)
	}
}

func TestSameModTimeCoarsePrecision(t *testing.T) {
	precise := testMtime.Add(250 * time.Millisecond)
	if !sameModTime(testMtime, precise) {
		t.Error("second-precision destination should match a sub-second source")
	}
	if sameModTime(precise, testMtime) {
		t.Error("whole-second source should not match a sub-second destination")
	}
	if sameModTime(testMtime, testMtime.Add(time.Second+250*time.Millisecond)) {
		t.Error("coarse destination should not match a source in a later second")
	}
	if sameModTime(precise, testMtime.Add(500*time.Millisecond)) {
		t.Error("different sub-second times should not match")
	}
}

func TestCheckerIgnoresAbsentSiblings(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/srv/a/maps/only_a.bsp", []byte("a"), testMtime)

	e := newTestEngine(t, fs, testSettings())
	target := e.layout.Targets[0]
	rule, err := rules.NewFolderRule("maps", []string{".bsp"}, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.checker.Check(context.Background(), target.Name, rule, "only_a.bsp", target.Servers[0], target.Servers); err != nil {
		t.Errorf("Check() error: %v", err)
	}
}

func TestDiscoverSkipsNonRegular(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	maps := filepath.Join(dir, "maps")
	if err := os.MkdirAll(filepath.Join(maps, "dir.bsp"), 0o755); err != nil {
		t.Fatal(err)
	}
	put(t, fs, filepath.Join(maps, "real.bsp"), []byte("real"), testMtime)
	if err := os.Symlink(filepath.Join(maps, "real.bsp"), filepath.Join(maps, "link.bsp")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(maps, "missing.bsp"), filepath.Join(maps, "broken.bsp")); err != nil {
		t.Fatal(err)
	}

	e := &Engine{fs: fs, logger: testLogger()}
	rule, err := rules.NewFolderRule("maps", []string{".bsp"}, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	files, err := e.discover(dir, rule)
	if err != nil {
		t.Fatalf("discover() error: %v", err)
	}

	got := make(map[string]bool)
	for _, f := range files {
		got[f.Identity] = true
	}
	if len(got) != 2 || !got["real.bsp"] || !got["link.bsp"] {
		t.Errorf("discovered %v, want real.bsp and link.bsp", got)
	}
}
