package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/spf13/afero"
)

const (
	// TempPrefix and TempSuffix bracket the names of in-progress writes.
	// A file named like this in a destination tree is debris from an
	// interrupted run.
	TempPrefix = ".fastdl-"
	TempSuffix = ".tmp"

	copyBufferSize = 64 * 1024
)

// Mode selects how a source file is materialized.
type Mode int

const (
	ModeCopy Mode = iota
	ModeCompress
)

func (m Mode) String() string {
	switch m {
	case ModeCompress:
		return "compress"
	default:
		return "copy"
	}
}

// Job is one file to materialize into a distribution tree.
type Job struct {
	Identity string
	Source   string
	Dest     string
	// Remove lists destination representations to delete before writing.
	Remove  []string
	Mode    Mode
	Size    int64
	ModTime time.Time
}

// Output describes a finished write.
type Output struct {
	Path         string
	BytesRead    int64
	BytesWritten int64
	Duration     time.Duration
}

// Writer copies or bzip2-compresses source files into place using a
// temp-file-then-rename sequence, then stamps the source modification time
// on the result.
type Writer struct {
	fs     afero.Fs
	level  int
	logger *slog.Logger
}

// NewWriter creates a Writer. level is the bzip2 level (1-9); out of range
// selects best compression.
func NewWriter(fs afero.Fs, level int, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if level < bzip2.BestSpeed || level > bzip2.BestCompression {
		level = bzip2.BestCompression
	}
	return &Writer{fs: fs, level: level, logger: logger}
}

// IsTempName reports whether a base name belongs to an in-progress write.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, TempPrefix) && strings.HasSuffix(name, TempSuffix)
}

// Write materializes job.Source at job.Dest.
func (w *Writer) Write(ctx context.Context, job Job) (*Output, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, stale := range job.Remove {
		if err := w.fs.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale %s: %w", stale, err)
		}
	}

	dir := filepath.Dir(job.Dest)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	src, err := w.fs.Open(job.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	tmp, err := afero.TempFile(w.fs, dir, TempPrefix+"*"+TempSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			if err := w.fs.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				w.logger.Warn("failed to remove temp file", "path", tmpPath, "error", err)
			}
		}
	}()

	reader := &contextReader{ctx: ctx, r: src}
	switch job.Mode {
	case ModeCompress:
		err = w.compress(tmp, reader)
	default:
		_, err = io.CopyBuffer(tmp, reader, make([]byte, copyBufferSize))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", job.Mode, err)
	}

	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	// Temp files are created 0600; the tree is served over HTTP.
	if err := w.fs.Chmod(tmpPath, 0o644); err != nil {
		return nil, fmt.Errorf("failed to set permissions: %w", err)
	}

	// The mtime is stamped before the rename so a file at job.Dest always
	// carries its source's mtime.
	if err := w.fs.Chtimes(tmpPath, job.ModTime, job.ModTime); err != nil {
		return nil, fmt.Errorf("failed to set modification time: %w", err)
	}

	if err := w.fs.Rename(tmpPath, job.Dest); err != nil {
		return nil, fmt.Errorf("failed to rename into place: %w", err)
	}
	committed = true

	info, err := w.fs.Stat(job.Dest)
	if err != nil {
		return nil, fmt.Errorf("failed to stat result: %w", err)
	}

	return &Output{
		Path:         job.Dest,
		BytesRead:    reader.n,
		BytesWritten: info.Size(),
		Duration:     time.Since(start),
	}, nil
}

func (w *Writer) compress(dst io.Writer, src io.Reader) error {
	zw, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: w.level})
	if err != nil {
		return fmt.Errorf("creating bzip2 writer: %w", err)
	}
	if _, err := io.CopyBuffer(zw, src, make([]byte, copyBufferSize)); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// contextReader stops a copy once ctx is cancelled and counts bytes read.
type contextReader struct {
	ctx context.Context
	r   io.Reader
	n   int64
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
