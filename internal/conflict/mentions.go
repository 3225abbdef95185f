package conflict

import (
	"path"
	"regexp"
	"slices"
	"strings"
)

// sourceExtensions are the file extensions a bare token must carry to count
// as a file mention.
var sourceExtensions = map[string]bool{
	"go": true, "mod": true, "sum": true, "py": true, "rb": true, "rs": true,
	"js": true, "jsx": true, "ts": true, "tsx": true, "mjs": true, "cjs": true,
	"vue": true, "svelte": true, "css": true, "scss": true, "html": true,
	"java": true, "kt": true, "swift": true, "m": true, "c": true, "h": true,
	"cc": true, "cpp": true, "hpp": true, "cs": true, "php": true, "ex": true,
	"exs": true, "sql": true, "proto": true, "graphql": true, "sh": true,
	"md": true, "txt": true, "json": true, "yaml": true, "yml": true,
	"toml": true, "xml": true, "tf": true, "lock": true, "gradle": true,
}

// knownBasenames are extensionless files worth mentioning.
var knownBasenames = map[string]bool{
	"Makefile": true, "Dockerfile": true, "Gemfile": true, "Rakefile": true,
	"Procfile": true, "Jenkinsfile": true,
}

var (
	// file.go:12 or file.go:12:7
	lineRefPattern = regexp.MustCompile(`([\w./\\-]+\.[A-Za-z][\w]*):\d+(?::\d+)?`)
	// Python: File "app/models.py", line 40, in save
	pythonFramePattern = regexp.MustCompile(`File "([^"]+)", line \d+`)
	// JavaScript: at handler (/srv/app/routes/user.js:10:5)
	jsFramePattern = regexp.MustCompile(`\bat\s+(?:[^\s(]+\s+)?\(?([^()\s]+?):\d+:\d+\)?`)
	// Go: \t/home/dev/proj/internal/app.go:42 +0x1d
	goFramePattern = regexp.MustCompile(`(?m)^\s+(\S+\.go):\d+(?:\s+\+0x[0-9a-f]+)?$`)
	// trailing :line[:col]
	lineSuffix = regexp.MustCompile(`:\d+(?::\d+)?$`)
)

// ExtractFileMentions returns the files text refers to, without duplicates.
// It unions stack-trace frames, file:line references and explicit path
// tokens, in that order.
func ExtractFileMentions(text string) []string {
	var out []string
	add := func(candidate string) {
		p, ok := normalizeMention(candidate)
		if ok && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}

	for _, m := range pythonFramePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range jsFramePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range goFramePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range lineRefPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, tok := range strings.FieldsFunc(text, isMentionDelimiter) {
		add(tok)
	}
	return out
}

func isMentionDelimiter(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '"', '\'', '`', '(', ')', '[', ']', '{', '}', '<', '>', ',', ';', '|', '*':
		return true
	}
	return false
}

// normalizeMention cleans a candidate and reports whether it looks like a
// file path.
func normalizeMention(s string) (string, bool) {
	s = strings.TrimRight(s, ".:!?")
	s = lineSuffix.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, `\`, "/")
	if s == "" || strings.Contains(s, "://") || strings.HasPrefix(s, "@") || strings.HasPrefix(s, "#") {
		return "", false
	}
	s = strings.TrimPrefix(s, "./")
	if s == "" || strings.HasPrefix(s, "-") {
		return "", false
	}

	base := path.Base(s)
	switch {
	case knownBasenames[base]:
	case strings.HasPrefix(base, ".") && isWordy(base[1:]):
		// dotfiles such as .env or .gitignore
	case strings.HasSuffix(s, "/") && strings.Count(s, "/") >= 2:
	default:
		dot := strings.LastIndexByte(base, '.')
		if dot <= 0 || !sourceExtensions[strings.ToLower(base[dot+1:])] {
			return "", false
		}
	}
	return s, true
}

func isWordy(s string) bool {
	if len(s) < 2 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}
