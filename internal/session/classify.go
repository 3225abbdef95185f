package session

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Iron-Ham/guardian/internal/pattern"
)

var (
	commitCommand = regexp.MustCompile(`(?:^|[;&|]\s*|\s)git\s+(?:-C\s+\S+\s+)?commit\b`)

	testCommands = []*regexp.Regexp{
		regexp.MustCompile(`\bgo\s+test\b`),
		regexp.MustCompile(`\b(?:npm|yarn|pnpm|bun)\s+(?:run\s+)?test\b`),
		regexp.MustCompile(`\b(?:npx\s+)?(?:jest|vitest|mocha)\b`),
		regexp.MustCompile(`\b(?:python3?\s+-m\s+)?pytest\b`),
		regexp.MustCompile(`\bcargo\s+test\b`),
		regexp.MustCompile(`\bmake\s+test\b`),
		regexp.MustCompile(`\b(?:rspec|phpunit)\b`),
		regexp.MustCompile(`\b(?:mvn|gradle|\./gradlew)\s+test\b`),
		regexp.MustCompile(`\bswift\s+test\b`),
	}

	errorLine = regexp.MustCompile(`(?i)\b(?:error|fatal|panic|exception|traceback)\b`)

	// Most specific first; the first one that matches wins.
	failCounts = []*regexp.Regexp{
		regexp.MustCompile(`test result: FAILED\. \d+ passed; (\d+) failed`),
		regexp.MustCompile(`Tests:\s+(\d+) failed`),
		regexp.MustCompile(`(\d+) failed`),
	}
	goFailLine = regexp.MustCompile(`(?m)^\s*--- FAIL:`)

	testFiles = pattern.MustCompileSet(
		"*_test.go",
		"*.test.*",
		"*.spec.*",
		"test_*.py",
		"*_test.py",
		"**/__tests__/**",
		"**/tests/**",
	)

	sourceExts = map[string]bool{
		".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
		".py": true, ".rs": true, ".rb": true, ".java": true, ".kt": true,
		".swift": true, ".c": true, ".cc": true, ".cpp": true, ".cs": true,
	}
)

// IsCommitCommand reports whether command creates a git commit.
func IsCommitCommand(command string) bool {
	return commitCommand.MatchString(command)
}

// IsTestCommand reports whether command runs a test suite.
func IsTestCommand(command string) bool {
	for _, re := range testCommands {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// IsTestFile reports whether path looks like a test file.
func IsTestFile(path string) bool {
	_, ok := testFiles.Match(filepath.ToSlash(path))
	return ok
}

// isSourceFile reports whether path is code that should have tests.
func isSourceFile(path string) bool {
	return sourceExts[strings.ToLower(filepath.Ext(path))] && !IsTestFile(path)
}

// countFailures estimates how many tests failed from runner output. A
// failing run with no recognizable summary counts as one.
func countFailures(output string) int {
	total := 0
	for _, re := range failCounts {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				total += n
			}
		}
		if total > 0 {
			break
		}
	}
	if total == 0 {
		total = len(goFailLine.FindAllStringIndex(output, -1))
	}
	return max(total, 1)
}

// summarizeError picks the first error-looking line of output, falling back
// to the exit code.
func summarizeError(command string, exitCode int, output string) string {
	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && errorLine.MatchString(line) {
			return truncate(line, 200)
		}
	}
	return truncate(command, 80) + " exited with status " + strconv.Itoa(exitCode)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
