package gate

import (
	"regexp"
	"strings"
)

// CommandRule is one entry of the dangerous-command table. A command matching
// any of the rule's patterns is blocked with the rule's reason.
//
// Patterns are matched against the raw command. Verbs are matched against
// the command with separators and whitespace inside quotes masked, so a
// verb only counts where the shell would run it.
type CommandRule struct {
	Name     string
	Reason   string
	Verbs    []*regexp.Regexp
	Patterns []*regexp.Regexp
}

// Match reports whether command, or a script it hands to a shell with -c,
// matches the rule.
func (r CommandRule) Match(command string) bool {
	return r.match(command, 0)
}

// maxScriptDepth bounds how far nested sh -c scripts are unwrapped.
const maxScriptDepth = 3

func (r CommandRule) match(command string, depth int) bool {
	for _, p := range r.Patterns {
		if p.MatchString(command) {
			return true
		}
	}
	masked := maskQuoted(command)
	for _, p := range r.Verbs {
		if p.MatchString(masked) {
			return true
		}
	}
	if depth >= maxScriptDepth {
		return false
	}
	for _, m := range inlineScript.FindAllStringSubmatch(command, -1) {
		script := m[1]
		if m[2] != "" {
			script = strings.ReplaceAll(m[2], `\"`, `"`)
		}
		if r.match(script, depth+1) {
			return true
		}
	}
	return false
}

// cmdStart anchors a verb at the start of the command or of a segment after
// a shell separator, allowing leading assignments and exec wrappers.
const cmdStart = `(?:^|[;&|({!\x60])\s*(?:(?:\w+=\S*|env|nohup|time|exec|command|xargs|nice)\s+)*`

// inlineScript captures the script passed to a shell or eval.
var inlineScript = regexp.MustCompile(`(?:\b(?:ba|z|k|da|fi)?sh\s+-c|\beval)\s+(?:'([^']*)'|"((?:[^"\\]|\\.)*)")`)

func re(s string) *regexp.Regexp { return regexp.MustCompile(s) }

func verb(s string) *regexp.Regexp { return regexp.MustCompile(cmdStart + s) }

// maskQuoted replaces whitespace and shell separators inside quoted strings
// with '_'. A $( ) substitution inside double quotes still runs, so its
// content is kept.
func maskQuoted(command string) string {
	var b strings.Builder
	b.Grow(len(command))
	var quote, prev rune
	subst := 0
	escaped := false
	for _, c := range command {
		out := c
		switch {
		case escaped:
			escaped = false
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case subst > 0:
			if c == '(' {
				subst++
			} else if c == ')' {
				subst--
			}
		case quote != 0 && c == quote:
			quote = 0
		case quote == '"' && c == '\\':
			escaped = true
		case quote == '"' && c == '(' && prev == '$':
			subst = 1
		case quote != 0 && strings.ContainsRune(" \t\n;&|(){}!`", c):
			out = '_'
		}
		b.WriteRune(out)
		prev = c
	}
	return b.String()
}

// DefaultCommandRules is evaluated in order; the first match wins.
var DefaultCommandRules = []CommandRule{
	{
		Name:   "catastrophic-deletion",
		Reason: "recursive deletion of a root, home or system directory",
		Verbs: []*regexp.Regexp{
			verb(`(?:sudo\s+)?rm\s+(?:[^;&|\s]+\s+)*["']?(?:/|/\*|~/?|~/\*|\$HOME/?|\$\{HOME\}/?|/(?:bin|boot|dev|etc|home|lib|lib64|opt|root|sbin|srv|usr|var|System|Library|Users|Applications))["']?(?:\s|$|[;&|)])`),
			verb(`find\s+(?:/|~|\$HOME)\s+.*-delete\b`),
		},
		Patterns: []*regexp.Regexp{
			re(`--no-preserve-root\b`),
		},
	},
	{
		Name:   "raw-device-write",
		Reason: "writes directly to a block device",
		Verbs: []*regexp.Regexp{
			verb(`mkfs(?:\.\w+)?\s`),
			verb(`(?:fdisk|parted|wipefs|shred)\s+[^|;&]*/dev/`),
		},
		Patterns: []*regexp.Regexp{
			re(`\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|nvme|disk|rdisk|mmcblk|xvd|vd)\w*`),
			re(`>\s*/dev/(?:sd|hd|nvme|disk|rdisk|mmcblk|xvd|vd)\w*`),
		},
	},
	{
		Name:   "fork-bomb",
		Reason: "fork bomb",
		Patterns: []*regexp.Regexp{
			re(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`),
			re(`\b\w+\s*\(\s*\)\s*\{\s*\w+\s*\|\s*\w+\s*&\s*\}`),
		},
	},
	{
		Name:   "remote-code-execution",
		Reason: "pipes downloaded content into an interpreter",
		Patterns: []*regexp.Regexp{
			re(`\b(?:curl|wget|fetch)\b[^|;&]*\|\s*(?:sudo\s+)?(?:ba|z|k|da|fi)?sh\b`),
			re(`\b(?:curl|wget|fetch)\b[^|;&]*\|\s*(?:sudo\s+)?(?:python3?|perl|ruby|node|php)\b`),
			re(`\b(?:ba|z)?sh\s+<\(\s*(?:curl|wget)\b`),
			re(`\b(?:ba|z)?sh\s+-c\s+["']?\$\(\s*(?:curl|wget)\b`),
			re(`\beval\s+["']?\$\(\s*(?:curl|wget)\b`),
		},
	},
	{
		Name:   "privilege-escalation",
		Reason: "privilege escalation",
		Verbs: []*regexp.Regexp{
			verb(`(?:sudo|doas|pkexec)\s`),
			verb(`su(?:\s+-\s*|\s+root\b|\s*$)`),
			verb(`chmod\s+(?:-\w+\s+)*(?:[ugo]*\+s\b|[2467][0-7]{3}\b)`),
			verb(`chown\s+(?:-\w+\s+)*root\b`),
			verb(`visudo\b`),
		},
	},
	{
		Name:   "destructive-datastore",
		Reason: "destructive data store statement",
		Patterns: []*regexp.Regexp{
			re(`(?i)\bdrop\s+(?:database|schema|table)\b`),
			re(`(?i)\btruncate\s+table\b`),
			re(`(?i)\bdelete\s+from\s+[\w."]+\s*(?:;|$|["'])`),
			re(`(?i)\bflush(?:all|db)\b`),
			re(`\.dropDatabase\s*\(`),
			re(`\b(?:rails|rake)\s+db:(?:drop|reset|purge)\b`),
			re(`\bprisma\s+migrate\s+reset\b`),
		},
	},
	{
		Name:   "environment-destruction",
		Reason: "destroys shared infrastructure or history",
		Verbs: []*regexp.Regexp{
			verb(`unset\s+PATH\b`),
		},
		Patterns: []*regexp.Regexp{
			re(`\bterraform\s+destroy\b`),
			re(`\bkubectl\s+delete\s+(?:ns|namespace|namespaces)\b`),
			re(`\bkubectl\s+delete\s+[^|;&]*--all\b`),
			re(`\bdocker\s+system\s+prune\b[^|;&]*(?:-a\b|--all\b)`),
			re(`\bgit\s+push\b[^|;&]*(?:\s--force(?:-with-lease)?\b|\s-f\b)[^|;&]*\b(?:main|master)\b`),
			re(`\bgit\s+push\b[^|;&]*\s\+(?:main|master)\b`),
			re(`>\s*~/\.(?:bashrc|zshrc|profile|bash_profile|zprofile)\b`),
		},
	},
}
