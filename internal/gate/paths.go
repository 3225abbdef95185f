package gate

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// resolvePath returns the absolute, cleaned form of p (relative to workDir)
// and the same path with symlinks resolved through its deepest existing
// ancestor. Callers deny if either form is protected and allow only if the
// resolved form is, so a link cannot smuggle a write out of a workspace.
func resolvePath(p, workDir string) (lexical, resolved string) {
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	lexical = filepath.Clean(p)
	return lexical, resolveExisting(lexical)
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the rest.
func resolveExisting(p string) string {
	var rest []string
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// within reports whether p equals dir or lies beneath it.
func within(p, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// prefixList is a set of directory prefixes resolved to absolute paths.
type prefixList []string

func newPrefixList(entries []string, root string) prefixList {
	out := make(prefixList, 0, len(entries)*2)
	for _, e := range entries {
		e = expandHome(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !filepath.IsAbs(e) {
			e = filepath.Join(root, e)
		}
		e = filepath.Clean(e)
		out = append(out, e)
		if r := resolveExisting(e); r != e {
			out = append(out, r)
		}
	}
	return out
}

func (l prefixList) contains(p string) (string, bool) {
	for _, dir := range l {
		if within(p, dir) {
			return dir, true
		}
	}
	return "", false
}

// harmlessDevices are device files commands routinely write to.
var harmlessDevices = map[string]bool{
	"/dev/null":   true,
	"/dev/stdout": true,
	"/dev/stderr": true,
	"/dev/tty":    true,
	"/dev/zero":   true,
}

func isHarmlessDevice(p string) bool {
	return harmlessDevices[p] || strings.HasPrefix(p, "/dev/fd/")
}

var (
	segmentSep  = regexp.MustCompile(`\|\||&&|[;|\n]`)
	redirection = regexp.MustCompile(`(?:^|[^<>&0-9])(?:[0-9]?>>?|&>>?)\s*("[^"]*"|'[^']*'|[^\s;&|<>()]+)`)
)

// mutatingVerbs write to the paths they are given. For verbs in
// lastArgOnly only the destination (final argument) is written.
var (
	mutatingVerbs = map[string]bool{
		"rm": true, "rmdir": true, "mv": true, "cp": true, "tee": true,
		"chmod": true, "chown": true, "chgrp": true, "ln": true, "touch": true,
		"truncate": true, "install": true, "mkdir": true, "unlink": true,
		"rsync": true, "dd": true,
	}
	lastArgOnly = map[string]bool{"mv": true, "cp": true, "ln": true, "install": true, "rsync": true}
)

// commandTargets summarizes what a shell command touches.
type commandTargets struct {
	// mentioned holds every path-like token.
	mentioned []string
	// written holds redirection targets and arguments of mutating verbs.
	written []string
	// calls holds each segment's verb with its unquoted arguments.
	calls []shellCall
}

type shellCall struct {
	verb string
	args []string
}

// scanCommand splits command into segments and extracts path-like tokens.
// It is a heuristic, not a shell parser: quoting is stripped but expansions
// are left alone.
func scanCommand(command string) commandTargets {
	var t commandTargets
	for _, m := range redirection.FindAllStringSubmatch(command, -1) {
		t.written = append(t.written, unquote(m[1]))
	}
	stripped := redirection.ReplaceAllString(command, " ")

	for _, seg := range segmentSep.Split(stripped, -1) {
		words := strings.Fields(seg)
		for len(words) > 0 && (strings.Contains(words[0], "=") || words[0] == "sudo" || words[0] == "env") {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		verb := filepath.Base(words[0])

		call := shellCall{verb: verb}
		var args []string
		for _, w := range words[1:] {
			w = unquote(w)
			call.args = append(call.args, w)
			if w == "" || strings.HasPrefix(w, "-") {
				if i := strings.Index(w, "="); i > 0 && looksLikePath(w[i+1:]) {
					t.mentioned = append(t.mentioned, w[i+1:])
				}
				continue
			}
			args = append(args, w)
			if looksLikePath(w) {
				t.mentioned = append(t.mentioned, w)
			}
		}
		t.calls = append(t.calls, call)

		if verb == "sed" && strings.Contains(seg, " -i") && len(args) > 1 {
			t.written = append(t.written, args[len(args)-1])
		}
		if !mutatingVerbs[verb] || len(args) == 0 {
			continue
		}
		if lastArgOnly[verb] {
			t.written = append(t.written, args[len(args)-1])
			continue
		}
		t.written = append(t.written, args...)
	}
	for _, w := range t.written {
		if !slices.Contains(t.mentioned, w) {
			t.mentioned = append(t.mentioned, w)
		}
	}
	return t
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}

func looksLikePath(s string) bool {
	if s == "" || strings.Contains(s, "://") {
		return false
	}
	return strings.ContainsAny(s, "/.~")
}
