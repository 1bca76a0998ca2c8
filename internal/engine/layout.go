package engine

import (
	"fmt"
	"path/filepath"

	"github.com/BadgerOps/fastdl/internal/rules"
)

// CompressedSuffix is appended to the name of a compressed destination file.
const CompressedSuffix = ".bz2"

// Server is a game server content tree that feeds a target.
type Server struct {
	Name string
	Game rules.GameType
	Root string
}

// Target is a FastDL distribution tree and the servers mirrored into it.
// Servers are consulted in order; the first server holding a file decides
// its size and modification time on the target.
type Target struct {
	Name    string
	Game    rules.GameType
	Root    string
	Servers []Server
}

// Layout is the resolved, immutable input of an Engine.
type Layout struct {
	Targets []Target
	Rules   *rules.Table
}

// Validate checks the layout before any filesystem work starts.
func (l *Layout) Validate() error {
	if l.Rules == nil {
		return fmt.Errorf("layout has no rule table")
	}
	if len(l.Targets) == 0 {
		return fmt.Errorf("layout has no targets")
	}

	targetNames := make(map[string]bool)
	serverNames := make(map[string]string)
	for _, t := range l.Targets {
		if t.Name == "" {
			return fmt.Errorf("target with root %q has no name", t.Root)
		}
		if targetNames[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		targetNames[t.Name] = true

		if !filepath.IsAbs(t.Root) {
			return fmt.Errorf("target %q: root %q is not absolute", t.Name, t.Root)
		}
		if _, err := l.Rules.Lookup(t.Game); err != nil {
			return fmt.Errorf("target %q: %w", t.Name, err)
		}
		if len(t.Servers) == 0 {
			return fmt.Errorf("target %q has no servers", t.Name)
		}

		for _, s := range t.Servers {
			if s.Name == "" {
				return fmt.Errorf("target %q: server with root %q has no name", t.Name, s.Root)
			}
			if owner, ok := serverNames[s.Name]; ok {
				return fmt.Errorf("server %q is mapped to both %q and %q", s.Name, owner, t.Name)
			}
			serverNames[s.Name] = t.Name

			if !filepath.IsAbs(s.Root) {
				return fmt.Errorf("server %q: root %q is not absolute", s.Name, s.Root)
			}
			if s.Game != t.Game {
				return fmt.Errorf("server %q game %q does not match target %q game %q", s.Name, s.Game, t.Name, t.Game)
			}
			if filepath.Clean(s.Root) == filepath.Clean(t.Root) {
				return fmt.Errorf("server %q and target %q share root %q", s.Name, t.Name, t.Root)
			}
		}
	}
	return nil
}

// Target returns the target with the given name.
func (l *Layout) Target(name string) (Target, bool) {
	for _, t := range l.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}
