package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/cast"

	"github.com/Iron-Ham/guardian/internal/errors"
)

// Operation is what an invocation does to its target.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpEdit    Operation = "edit"
	OpExecute Operation = "execute"
)

// Mutates reports whether the operation changes a file.
func (o Operation) Mutates() bool {
	return o == OpWrite || o == OpEdit
}

// Invocation is one intercepted tool call.
type Invocation struct {
	Tool      string
	Operation Operation
	// Path is the file target; empty for commands and target-less tools.
	Path string
	// Command is the shell text for OpExecute.
	Command string
	// WorkDir is the caller's working directory.
	WorkDir string
	// WorkspaceID is the caller's assigned workspace, if any.
	WorkspaceID string
	SessionID   string
	// Response is the tool result, present only after the tool ran.
	Response map[string]any
}

// Target returns the path or command text the invocation acts on.
func (inv *Invocation) Target() string {
	if inv.Operation == OpExecute {
		return inv.Command
	}
	return inv.Path
}

// CallerID identifies the caller to the resource lock: the workspace when
// one is assigned, otherwise the session.
func (inv *Invocation) CallerID() string {
	if inv.WorkspaceID != "" {
		return inv.WorkspaceID
	}
	return inv.SessionID
}

const payloadSchema = `{
  "type": "object",
  "required": ["tool_name"],
  "properties": {
    "session_id": {"type": "string"},
    "cwd": {"type": "string"},
    "hook_event_name": {"type": "string"},
    "tool_name": {"type": "string", "minLength": 1},
    "tool_input": {"type": "object"},
    "tool_response": {}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal payload schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("payload.json", doc); err != nil {
			schemaErr = fmt.Errorf("add payload schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("payload.json")
	})
	return compiledSchema, schemaErr
}

// toolOperations maps known tool names to their operation.
var toolOperations = map[string]Operation{
	"Write":        OpWrite,
	"Edit":         OpEdit,
	"MultiEdit":    OpEdit,
	"NotebookEdit": OpEdit,
	"Read":         OpRead,
	"NotebookRead": OpRead,
	"Grep":         OpRead,
	"Glob":         OpRead,
	"LS":           OpRead,
	"Bash":         OpExecute,
}

var pathFields = []string{"file_path", "notebook_path", "path"}

// ParseInvocation decodes an agent hook payload. workspaceID comes from the
// caller's environment. Any payload that does not validate is an InputError;
// callers block on it.
func ParseInvocation(data []byte, workspaceID string) (*Invocation, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewInputError("empty payload", errors.ErrMalformedInvocation)
	}
	s, err := schema()
	if err != nil {
		return nil, errors.NewInputError("payload schema unavailable", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewInputError("decode payload", fmt.Errorf("%w: %v", errors.ErrMalformedInvocation, err))
	}
	if err := s.Validate(doc); err != nil {
		return nil, errors.NewInputError("payload does not match schema", fmt.Errorf("%w: %v", errors.ErrMalformedInvocation, err))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewInputError("decode payload", fmt.Errorf("%w: %v", errors.ErrMalformedInvocation, err))
	}
	input := cast.ToStringMap(raw["tool_input"])

	inv := &Invocation{
		Tool:        cast.ToString(raw["tool_name"]),
		WorkDir:     cast.ToString(raw["cwd"]),
		SessionID:   cast.ToString(raw["session_id"]),
		WorkspaceID: strings.TrimSpace(workspaceID),
		Response:    responseMap(raw["tool_response"]),
	}

	var p string
	for _, f := range pathFields {
		if p = strings.TrimSpace(cast.ToString(input[f])); p != "" {
			break
		}
	}
	command := strings.TrimSpace(cast.ToString(input["command"]))

	op, known := toolOperations[inv.Tool]
	switch {
	case op == OpExecute:
		if command == "" {
			return nil, errors.NewInputError("command missing", errors.ErrMissingField).WithField("tool_input.command")
		}
		inv.Operation, inv.Command = OpExecute, command
	case op.Mutates():
		if p == "" {
			return nil, errors.NewInputError("file path missing", errors.ErrMissingField).WithField("tool_input.file_path")
		}
		inv.Operation, inv.Path = op, p
	case known:
		inv.Operation, inv.Path = op, p
	case p != "":
		// Unknown tools that name a file are checked as writes.
		inv.Operation, inv.Path = OpWrite, p
	default:
		inv.Operation = OpRead
	}
	return inv, nil
}

// responseMap normalizes tool_response, which some tools send as a bare
// string.
func responseMap(v any) map[string]any {
	switch r := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return r
	case string:
		return map[string]any{"output": r}
	default:
		return cast.ToStringMap(r)
	}
}

// ExitCode returns the command's exit status from the tool response. A
// response flagged as an error without a code counts as 1.
func (inv *Invocation) ExitCode() int {
	for _, k := range []string{"exit_code", "exitCode", "returncode"} {
		if v, ok := inv.Response[k]; ok {
			return cast.ToInt(v)
		}
	}
	if cast.ToBool(inv.Response["is_error"]) || cast.ToBool(inv.Response["interrupted"]) {
		return 1
	}
	return 0
}

// Output returns the combined stdout and stderr from the tool response.
func (inv *Invocation) Output() string {
	var parts []string
	for _, k := range []string{"stdout", "stderr", "output", "error"} {
		if s := cast.ToString(inv.Response[k]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Excerpts estimates how many results a consultation returned: matched
// files, search hits, or content lines for a read.
func (inv *Invocation) Excerpts() int {
	r := inv.Response
	if r == nil {
		return 0
	}
	for _, k := range []string{"numFiles", "numMatches", "numLines", "totalResults"} {
		if n := cast.ToInt(r[k]); n > 0 {
			return n
		}
	}
	for _, k := range []string{"filenames", "results", "matches"} {
		if list, ok := r[k].([]any); ok {
			return len(list)
		}
	}
	if file := cast.ToStringMap(r["file"]); len(file) > 0 {
		if n := cast.ToInt(file["numLines"]); n > 0 {
			return n
		}
		return strings.Count(cast.ToString(file["content"]), "\n") + 1
	}
	if s := cast.ToString(r["content"]); s != "" {
		return strings.Count(s, "\n") + 1
	}
	if s := cast.ToString(r["output"]); s != "" {
		return strings.Count(s, "\n") + 1
	}
	return 0
}
