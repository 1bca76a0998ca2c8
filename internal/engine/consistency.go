package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BadgerOps/fastdl/internal/fingerprint"
	"github.com/BadgerOps/fastdl/internal/rules"
	"github.com/BadgerOps/fastdl/internal/safety"
	"github.com/spf13/afero"
)

var (
	// ErrConsistencyConflict is matched by every *ConflictError.
	ErrConsistencyConflict = errors.New("consistency conflict")

	// ErrMissingFolder marks a folder rule whose path does not exist under a root.
	ErrMissingFolder = errors.New("missing folder")
)

// ConflictError reports two servers of one target holding different content
// for the same identity.
type ConflictError struct {
	Target   string
	Rule     string
	Identity string
	ServerA  string
	PathA    string
	DigestA  fingerprint.Digest
	ServerB  string
	PathB    string
	DigestB  fingerprint.Digest
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s/%s: %s %q [%s] vs %s %q [%s]",
		e.Rule, e.Identity, e.ServerA, e.PathA, e.DigestA, e.ServerB, e.PathB, e.DigestB)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConsistencyConflict
}

// Checker verifies that every server of a target holding a file agrees on
// its content.
type Checker struct {
	fs     afero.Fs
	hasher *fingerprint.Hasher
}

// NewChecker creates a Checker.
func NewChecker(fs afero.Fs, hasher *fingerprint.Hasher) *Checker {
	return &Checker{fs: fs, hasher: hasher}
}

// Check compares the origin server's copy of identity under rule with the
// copy on each sibling. Siblings without the file are ignored. It returns a
// *ConflictError on the first mismatch, or an I/O error.
func (c *Checker) Check(ctx context.Context, target string, rule rules.FolderRule, identity string, origin Server, siblings []Server) error {
	var (
		originPath   string
		originDigest fingerprint.Digest
	)

	for _, sib := range siblings {
		if sib.Name == origin.Name {
			continue
		}

		sibPath, err := safety.JoinUnder(sib.Root, rule.Path, identity)
		if err != nil {
			return err
		}
		ok, err := isRegularFile(c.fs, sibPath)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if originPath == "" {
			originPath, err = safety.JoinUnder(origin.Root, rule.Path, identity)
			if err != nil {
				return err
			}
			originDigest, err = c.hasher.Fingerprint(ctx, originPath)
			if err != nil {
				return err
			}
		}

		sibDigest, err := c.hasher.Fingerprint(ctx, sibPath)
		if err != nil {
			return err
		}
		if sibDigest != originDigest {
			return &ConflictError{
				Target:   target,
				Rule:     rule.Path,
				Identity: identity,
				ServerA:  origin.Name,
				PathA:    originPath,
				DigestA:  originDigest,
				ServerB:  sib.Name,
				PathB:    sibPath,
				DigestB:  sibDigest,
			}
		}
	}
	return nil
}

// isRegularFile reports whether path resolves (following symlinks) to a
// regular file. A missing path is not an error.
func isRegularFile(fs afero.Fs, path string) (bool, error) {
	info, err := fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", fingerprint.ErrIO, path, err)
	}
	return info.Mode().IsRegular(), nil
}
