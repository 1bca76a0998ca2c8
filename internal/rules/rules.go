package rules

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ErrUnknownGame is returned when a game type has no entry in the rule table.
var ErrUnknownGame = errors.New("unknown game type")

// GameType identifies a game mod (e.g. "csgo").
type GameType string

// FolderRule describes one content folder to mirror.
type FolderRule struct {
	// Path is relative to a content root, slash separated ("maps", "resource/flash/econ").
	Path       string
	Extensions []string
	Recursive  bool
	Exclude    []string

	excludes []glob.Glob
}

// NewFolderRule validates and compiles a folder rule.
func NewFolderRule(p string, extensions []string, recursive bool, exclude []string) (FolderRule, error) {
	clean := path.Clean(strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/"))
	if clean == "." || clean == "" {
		return FolderRule{}, fmt.Errorf("folder path %q resolves to the content root", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return FolderRule{}, fmt.Errorf("folder path %q escapes the content root", p)
	}
	if len(extensions) == 0 {
		return FolderRule{}, fmt.Errorf("folder %q has no allowed extensions", clean)
	}

	r := FolderRule{
		Path:       clean,
		Extensions: append([]string(nil), extensions...),
		Recursive:  recursive,
		Exclude:    append([]string(nil), exclude...),
	}
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return FolderRule{}, fmt.Errorf("folder %q: invalid exclude pattern %q: %w", clean, pattern, err)
		}
		r.excludes = append(r.excludes, g)
	}
	return r, nil
}

// Allows reports whether a file identity (slash separated, relative to the
// rule folder) is eligible under this rule. Extension matching is a
// case-sensitive suffix match.
func (r FolderRule) Allows(identity string) bool {
	matched := false
	for _, ext := range r.Extensions {
		if strings.HasSuffix(identity, ext) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, g := range r.excludes {
		if g.Match(identity) {
			return false
		}
	}
	return true
}

// Table maps game types to their ordered folder rules. A Table is immutable
// once built.
type Table struct {
	games map[GameType][]FolderRule
}

// NewTable builds a Table, copying the rule slices.
func NewTable(games map[GameType][]FolderRule) (*Table, error) {
	t := &Table{games: make(map[GameType][]FolderRule, len(games))}
	for game, folders := range games {
		if game == "" {
			return nil, fmt.Errorf("rule table contains an empty game type")
		}
		if len(folders) == 0 {
			return nil, fmt.Errorf("game %q has no folder rules", game)
		}
		t.games[game] = append([]FolderRule(nil), folders...)
	}
	return t, nil
}

// Lookup returns the folder rules for a game in declared order.
func (t *Table) Lookup(game GameType) ([]FolderRule, error) {
	folders, ok := t.games[game]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, game)
	}
	return append([]FolderRule(nil), folders...), nil
}

// Games returns the game types in the table, sorted.
func (t *Table) Games() []GameType {
	games := make([]GameType, 0, len(t.games))
	for g := range t.games {
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool { return games[i] < games[j] })
	return games
}
