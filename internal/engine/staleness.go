package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BadgerOps/fastdl/internal/fingerprint"
	"github.com/spf13/afero"
)

// IsCurrent reports whether dest exists and carries exactly the source
// modification time. Matching mtimes are taken to mean matching content, so
// no hashing or decompression happens once a destination exists. Tools that
// rewrite a file while preserving its mtime defeat this check; that is an
// accepted limitation. On a destination filesystem that drops sub-second
// precision, a source replaced within the same second is also missed.
func IsCurrent(fs afero.Fs, dest string, sourceModTime time.Time) (bool, error) {
	info, err := fs.Stat(dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", fingerprint.ErrIO, dest, err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}
	return sameModTime(info.ModTime(), sourceModTime), nil
}

// sameModTime compares at full precision. Whole seconds are compared only
// when the destination carries no sub-second part, which is what a coarse
// destination filesystem leaves after Chtimes. A whole-second source against
// a precise destination never matches unless equal.
func sameModTime(dest, src time.Time) bool {
	if dest.Equal(src) {
		return true
	}
	if dest.Nanosecond() == 0 && src.Nanosecond() != 0 {
		return dest.Equal(src.Truncate(time.Second))
	}
	return false
}
