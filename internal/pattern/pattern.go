// Package pattern compiles path globs into anchored regular expressions.
//
// Supported syntax:
//
//	**/   zero or more leading directories
//	**    any sequence, separators included
//	*     any sequence without a separator
//	?     one character other than a separator
//	[...] character class ([!...] negates)
//	{a,b} alternation
//
// Every other character is literal. A glob without a slash matches the final
// path element only (*.key matches /repo/secrets/prod.key). A relative glob
// with a slash may match at any directory boundary (foo/*.ts matches
// /repo/foo/a.ts). A glob starting with / matches the whole path.
package pattern

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Iron-Ham/guardian/internal/errors"
)

// Glob is a compiled path glob.
type Glob struct {
	raw      string
	re       *regexp.Regexp
	basename bool
}

// Compile translates glob into an anchored regular expression.
func Compile(glob string) (*Glob, error) {
	glob = filepath.ToSlash(strings.TrimSpace(glob))
	if glob == "" {
		return nil, errors.NewInputError("empty glob", errors.ErrInvalidPattern)
	}

	body, err := translate(glob)
	if err != nil {
		return nil, errors.NewInputError(fmt.Sprintf("glob %q", glob), fmt.Errorf("%w: %v", errors.ErrInvalidPattern, err))
	}

	g := &Glob{raw: glob}
	switch {
	case !strings.Contains(glob, "/"):
		g.basename = true
		body = "^" + body + "$"
	case strings.HasPrefix(glob, "/"):
		body = "^" + body + "$"
	default:
		body = "^(?:.*/)?" + body + "$"
	}

	re, err := regexp.Compile(body)
	if err != nil {
		return nil, errors.NewInputError(fmt.Sprintf("glob %q", glob), fmt.Errorf("%w: %v", errors.ErrInvalidPattern, err))
	}
	g.re = re
	return g, nil
}

// MustCompile is like Compile but panics on error. For package-level tables.
func MustCompile(glob string) *Glob {
	g, err := Compile(glob)
	if err != nil {
		panic(err)
	}
	return g
}

// Match reports whether p matches the glob. p may be relative or absolute and
// use either separator.
func (g *Glob) Match(p string) bool {
	p = filepath.ToSlash(p)
	if g.basename {
		p = path.Base(p)
	}
	return g.re.MatchString(p)
}

// String returns the glob source.
func (g *Glob) String() string { return g.raw }

// Regexp returns the anchored expression the glob compiled to.
func (g *Glob) Regexp() string { return g.re.String() }

// translate converts glob syntax to an unanchored regex body.
func translate(glob string) (string, error) {
	var sb strings.Builder
	depth := 0
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				if i+2 < len(glob) && glob[i+2] == '/' {
					sb.WriteString("(?:.*/)?")
					i += 2
				} else {
					sb.WriteString(".*")
					i++
				}
				continue
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated character class at %d", i)
			}
			class := glob[i+1 : i+1+end]
			if class == "" || class == "!" {
				return "", fmt.Errorf("empty character class at %d", i)
			}
			sb.WriteByte('[')
			if class[0] == '!' {
				sb.WriteByte('^')
				class = class[1:]
			}
			sb.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			sb.WriteByte(']')
			i += end + 1
		case '{':
			depth++
			if depth > 1 {
				return "", fmt.Errorf("nested alternation at %d", i)
			}
			sb.WriteString("(?:")
		case '}':
			if depth == 0 {
				return "", fmt.Errorf("unmatched } at %d", i)
			}
			depth--
			sb.WriteByte(')')
		case ',':
			if depth > 0 {
				sb.WriteByte('|')
			} else {
				sb.WriteByte(',')
			}
		default:
			r, size := utf8.DecodeRuneInString(glob[i:])
			sb.WriteString(regexp.QuoteMeta(string(r)))
			i += size - 1
		}
	}
	if depth != 0 {
		return "", fmt.Errorf("unterminated alternation")
	}
	return sb.String(), nil
}

// Set is an ordered list of globs.
type Set []*Glob

// CompileSet compiles every glob, failing on the first invalid one.
func CompileSet(globs []string) (Set, error) {
	set := make(Set, 0, len(globs))
	for _, g := range globs {
		c, err := Compile(g)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// Match returns the first glob matching any of the candidate paths.
func (s Set) Match(paths ...string) (*Glob, bool) {
	for _, g := range s {
		for _, p := range paths {
			if p != "" && g.Match(p) {
				return g, true
			}
		}
	}
	return nil, false
}

// MustCompileSet is like CompileSet but panics on error. For package-level tables.
func MustCompileSet(globs ...string) Set {
	set, err := CompileSet(globs)
	if err != nil {
		panic(err)
	}
	return set
}
