package gate

import (
	"testing"

	"github.com/Iron-Ham/guardian/internal/errors"
)

func TestParseInvocation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantOp  Operation
		target  string
	}{
		{"write", `{"tool_name":"Write","cwd":"/repo","tool_input":{"file_path":"a.go","content":"x"}}`, OpWrite, "a.go"},
		{"edit", `{"tool_name":"Edit","tool_input":{"file_path":"/repo/b.go","old_string":"a","new_string":"b"}}`, OpEdit, "/repo/b.go"},
		{"notebook", `{"tool_name":"NotebookEdit","tool_input":{"notebook_path":"n.ipynb"}}`, OpEdit, "n.ipynb"},
		{"bash", `{"tool_name":"Bash","tool_input":{"command":"go test ./..."}}`, OpExecute, "go test ./..."},
		{"read", `{"tool_name":"Read","tool_input":{"file_path":".env"}}`, OpRead, ".env"},
		{"grep without path", `{"tool_name":"Grep","tool_input":{"pattern":"TODO"}}`, OpRead, ""},
		{"unknown tool naming a file", `{"tool_name":"mcp__fs__write","tool_input":{"path":"x.txt"}}`, OpWrite, "x.txt"},
		{"unknown tool", `{"tool_name":"TodoWrite","tool_input":{"todos":[]}}`, OpRead, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := ParseInvocation([]byte(tt.payload), "ws-1")
			if err != nil {
				t.Fatalf("ParseInvocation: %v", err)
			}
			if inv.Operation != tt.wantOp {
				t.Errorf("Operation = %q, want %q", inv.Operation, tt.wantOp)
			}
			if inv.Target() != tt.target {
				t.Errorf("Target() = %q, want %q", inv.Target(), tt.target)
			}
			if inv.WorkspaceID != "ws-1" {
				t.Errorf("WorkspaceID = %q", inv.WorkspaceID)
			}
		})
	}
}

func TestParseInvocation_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not json", "tool_name=Write"},
		{"array", `[]`},
		{"missing tool", `{"tool_input":{}}`},
		{"empty tool", `{"tool_name":""}`},
		{"tool not string", `{"tool_name":7}`},
		{"input not object", `{"tool_name":"Write","tool_input":"a.go"}`},
		{"write without path", `{"tool_name":"Write","tool_input":{"content":"x"}}`},
		{"bash without command", `{"tool_name":"Bash","tool_input":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInvocation([]byte(tt.payload), "")
			if err == nil {
				t.Fatal("ParseInvocation should fail")
			}
			if !errors.IsInput(err) {
				t.Errorf("error = %v, want InputError", err)
			}
		})
	}
}

func TestInvocation_CallerID(t *testing.T) {
	inv := &Invocation{SessionID: "s1"}
	if inv.CallerID() != "s1" {
		t.Errorf("CallerID() = %q", inv.CallerID())
	}
	inv.WorkspaceID = "ws-2"
	if inv.CallerID() != "ws-2" {
		t.Errorf("CallerID() = %q", inv.CallerID())
	}
}

func TestInvocation_Response(t *testing.T) {
	inv, err := ParseInvocation([]byte(`{
		"tool_name": "Bash",
		"tool_input": {"command": "go vet ./..."},
		"tool_response": {"stdout": "", "stderr": "vet: error", "exit_code": "2"}
	}`), "")
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.ExitCode() != 2 {
		t.Errorf("ExitCode() = %d, want 2", inv.ExitCode())
	}
	if inv.Output() != "vet: error" {
		t.Errorf("Output() = %q", inv.Output())
	}

	inv, _ = ParseInvocation([]byte(`{"tool_name":"Bash","tool_input":{"command":"x"},"tool_response":{"is_error":true}}`), "")
	if inv.ExitCode() != 1 {
		t.Errorf("ExitCode() for is_error = %d, want 1", inv.ExitCode())
	}
}

func TestInvocation_Excerpts(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"grep files", `{"tool_name":"Grep","tool_input":{},"tool_response":{"numFiles":4,"filenames":["a","b","c","d"]}}`, 4},
		{"glob list", `{"tool_name":"Glob","tool_input":{},"tool_response":{"filenames":["a","b"]}}`, 2},
		{"read file", `{"tool_name":"Read","tool_input":{"file_path":"a"},"tool_response":{"file":{"content":"1\n2\n3"}}}`, 3},
		{"string response", `{"tool_name":"WebFetch","tool_input":{},"tool_response":"line1\nline2"}`, 2},
		{"no response", `{"tool_name":"Grep","tool_input":{}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := ParseInvocation([]byte(tt.payload), "")
			if err != nil {
				t.Fatalf("ParseInvocation: %v", err)
			}
			if got := inv.Excerpts(); got != tt.want {
				t.Errorf("Excerpts() = %d, want %d", got, tt.want)
			}
		})
	}
}
