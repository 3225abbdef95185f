package conflict

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/pattern"
)

// Label is a compiled area label.
type Label struct {
	Name     string
	Patterns pattern.Set
}

// CompileLabels validates and compiles area label definitions.
func CompileLabels(defs []config.AreaLabelConfig) ([]Label, error) {
	if errs := config.ValidateLabels(defs); len(errs) > 0 {
		return nil, errors.NewInputError(config.ValidationErrors(errs).Error(), errors.ErrInvalidPattern)
	}
	labels := make([]Label, 0, len(defs))
	for _, d := range defs {
		set, err := pattern.CompileSet(d.Patterns)
		if err != nil {
			return nil, errors.NewInputError(fmt.Sprintf("label %s: %v", d.Name, err), errors.ErrInvalidPattern)
		}
		labels = append(labels, Label{Name: d.Name, Patterns: set})
	}
	return labels, nil
}

type labelsDocument struct {
	Labels []config.AreaLabelConfig `yaml:"labels"`
}

// LoadLabelsFile reads area labels from a YAML file holding either a list of
// labels or a document with a top-level "labels" key.
func LoadLabelsFile(path string) ([]config.AreaLabelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLabels(data)
}

// ParseLabels decodes area labels from YAML. See LoadLabelsFile.
func ParseLabels(data []byte) ([]config.AreaLabelConfig, error) {
	var defs []config.AreaLabelConfig
	if err := decodeListOrKey(data, &defs, func() (any, func()) {
		var doc labelsDocument
		return &doc, func() { defs = doc.Labels }
	}); err != nil {
		return nil, errors.NewInputError("invalid labels file: "+err.Error(), errors.ErrMalformedInvocation)
	}
	return defs, nil
}

// Task is one unit of work considered for parallel execution.
type Task struct {
	ID    string   `yaml:"id" json:"id"`
	Title string   `yaml:"title" json:"title,omitempty"`
	Body  string   `yaml:"body" json:"body,omitempty"`
	Files []string `yaml:"files" json:"files,omitempty"`
}

type tasksDocument struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadTasksFile reads tasks from a YAML file holding either a list of tasks
// or a document with a top-level "tasks" key. Tasks without an id are
// numbered from 1 in file order.
func LoadTasksFile(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTasks(data)
}

// ParseTasks decodes tasks from YAML. See LoadTasksFile.
func ParseTasks(data []byte) ([]Task, error) {
	var tasks []Task
	if err := decodeListOrKey(data, &tasks, func() (any, func()) {
		var doc tasksDocument
		return &doc, func() { tasks = doc.Tasks }
	}); err != nil {
		return nil, errors.NewInputError("invalid tasks file: "+err.Error(), errors.ErrMalformedInvocation)
	}
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = fmt.Sprintf("%d", i+1)
		}
		if seen[tasks[i].ID] {
			return nil, errors.NewInputError(fmt.Sprintf("duplicate task id %q", tasks[i].ID), errors.ErrMalformedInvocation)
		}
		seen[tasks[i].ID] = true
	}
	return slices.Clip(tasks), nil
}

// decodeListOrKey decodes data as a YAML sequence into list, or, when the
// root is a mapping, into the wrapper produced by keyed and then applies it.
func decodeListOrKey(data []byte, list any, keyed func() (any, func())) error {
	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}
	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(list)
	case yaml.MappingNode:
		wrapper, apply := keyed()
		if err := node.Decode(wrapper); err != nil {
			return err
		}
		apply()
		return nil
	default:
		return fmt.Errorf("line %d: expected a list or a mapping", node.Line)
	}
}
