package gate

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestWithin(t *testing.T) {
	tests := []struct {
		p, dir string
		want   bool
	}{
		{"/repo/ws/a.go", "/repo/ws", true},
		{"/repo/ws", "/repo/ws", true},
		{"/repo/ws2/a.go", "/repo/ws", false},
		{"/repo/a.go", "/repo/ws", false},
		{"/repo/ws/../a.go", "/repo/ws", false},
		{"/repo/ws/..foo", "/repo/ws", true},
		{"/x", "", false},
	}
	for _, tt := range tests {
		if got := within(filepath.Clean(tt.p), tt.dir); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.p, tt.dir, got, tt.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	lexical, _ := resolvePath("../../etc/passwd", "/repo/ws/sub")
	if lexical != "/repo/etc/passwd" {
		t.Errorf("lexical = %q", lexical)
	}
	lexical, _ = resolvePath("/repo/ws/./a/../b.go", "/ignored")
	if lexical != "/repo/ws/b.go" {
		t.Errorf("lexical = %q", lexical)
	}
}

func TestResolvePath_FollowsSymlinkedAncestor(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	ws := filepath.Join(dir, "ws")
	for _, d := range []string{outside, ws} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(ws, "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	lexical, resolved := resolvePath("escape/new/file.txt", ws)
	if !within(lexical, ws) {
		t.Errorf("lexical %q should look inside the workspace", lexical)
	}
	realOutside, _ := filepath.EvalSymlinks(outside)
	if resolved != filepath.Join(realOutside, "new", "file.txt") {
		t.Errorf("resolved = %q, want under %q", resolved, realOutside)
	}
}

func TestScanCommand(t *testing.T) {
	tests := []struct {
		cmd       string
		written   []string
		mentioned []string
		verbs     []string
	}{
		{
			cmd:       "echo hi > /etc/motd",
			written:   []string{"/etc/motd"},
			mentioned: []string{"/etc/motd"},
			verbs:     []string{"echo"},
		},
		{
			cmd:       "cp /etc/hosts ./hosts.bak && tee -a out/log.txt",
			written:   []string{"./hosts.bak", "out/log.txt"},
			mentioned: []string{"/etc/hosts", "./hosts.bak", "out/log.txt"},
			verbs:     []string{"cp", "tee"},
		},
		{
			cmd:     "make test 2>&1 | tail -5",
			written: nil,
			verbs:   []string{"make", "tail"},
		},
		{
			cmd:       `FOO=1 sudo sed -i 's/a/b/' "/usr/local/etc/app.conf"`,
			written:   []string{"/usr/local/etc/app.conf"},
			mentioned: []string{"s/a/b/", "/usr/local/etc/app.conf"},
			verbs:     []string{"sed"},
		},
		{
			cmd:       "go test ./... 2>/dev/null",
			written:   []string{"/dev/null"},
			mentioned: []string{"./...", "/dev/null"},
			verbs:     []string{"go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			got := scanCommand(tt.cmd)
			if !slices.Equal(got.written, tt.written) {
				t.Errorf("written = %q, want %q", got.written, tt.written)
			}
			if tt.mentioned != nil && !slices.Equal(got.mentioned, tt.mentioned) {
				t.Errorf("mentioned = %q, want %q", got.mentioned, tt.mentioned)
			}
			var verbs []string
			for _, c := range got.calls {
				verbs = append(verbs, c.verb)
			}
			if !slices.Equal(verbs, tt.verbs) {
				t.Errorf("verbs = %q, want %q", verbs, tt.verbs)
			}
		})
	}
}
