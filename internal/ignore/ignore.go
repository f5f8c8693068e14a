// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ignore implements the gitignore-compatible path filter rooted at
// the sync root: local .gitignore/.ignore rules, a global gitignore
// overlay, a hardcoded .git/**/*.lock rule, and an optional hidden-file
// rule that propagates from any ancestor directory to its descendants.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nishisan-dev/treemirror/internal/pathutil"
)

// hardcodedRules are always ignored regardless of any .gitignore content.
var hardcodedRules = []string{".git/**/*.lock"}

// Matcher decides whether a relative path under root should be skipped
// from replication.
type Matcher struct {
	local        *gitignore.GitIgnore
	global       *gitignore.GitIgnore
	ignoreHidden bool
}

// Options configures how a Matcher is built.
type Options struct {
	// IgnoreHidden, when true, treats any dotfile/dotdir (and everything
	// beneath a dot-directory) as ignored, matching the CLI --hidden
	// switch inverted (hidden defaults to excluded; --hidden includes it).
	IgnoreHidden bool
}

// New builds a Matcher rooted at root: it reads root/.gitignore and
// root/.ignore if present, overlays the user's global gitignore read from
// ~/.config/git/ignore (core.excludesFile and $XDG_CONFIG_HOME are not
// consulted), and always applies the hardcoded .git/**/*.lock rule.
func New(root string, opts Options) (*Matcher, error) {
	var localLines []string
	for _, name := range []string{".gitignore", ".ignore"} {
		lines, err := readLines(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		localLines = append(localLines, lines...)
	}
	localLines = append(localLines, hardcodedRules...)

	local := gitignore.CompileIgnoreLines(localLines...)

	var global *gitignore.GitIgnore
	if home, err := os.UserHomeDir(); err == nil {
		globalLines, err := readLines(filepath.Join(home, ".config", "git", "ignore"))
		if err != nil {
			return nil, err
		}
		if len(globalLines) > 0 {
			global = gitignore.CompileIgnoreLines(globalLines...)
		}
	}

	return &Matcher{
		local:        local,
		global:       global,
		ignoreHidden: opts.IgnoreHidden,
	}, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// ShouldSkipPath reports whether rel (a root-relative, slash-separated
// path) should be excluded from replication: local rules first, then
// global rules, then (if enabled) the hidden-file rule, which propagates
// from any ancestor component starting with '.'.
func (m *Matcher) ShouldSkipPath(rel string) bool {
	rel = filepath.ToSlash(rel)
	if m.local != nil && m.local.MatchesPath(rel) {
		return true
	}
	if m.global != nil && m.global.MatchesPath(rel) {
		return true
	}
	if m.ignoreHidden && pathutil.IsHiddenOrAnyParent(rel) {
		return true
	}
	return false
}
