package audit

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match secret-bearing fragments in command text. Patterns
// with two groups keep the first (the key name) and redact the second.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password|passwd)\s*[:=]\s*"?)([^\s"']{6,})`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`(?i)(--password[= ])([^\s"']+)`),
	regexp.MustCompile(`(://[^:/\s]+:)([^@\s]+)@`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-bearing fragments of s with [REDACTED].
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				suffix := ""
				if match[len(match)-1] == '@' {
					suffix = "@"
				}
				return sub[1] + redactedPlaceholder + suffix
			}
			return redactedPlaceholder
		})
	}
	return s
}
