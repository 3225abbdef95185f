// Package conflict decides which tasks may run in parallel without touching
// the same area of the codebase.
//
// Tasks are mapped to area labels through the files they mention; two tasks
// conflict when their label sets intersect. Only pairwise conflicts are
// detected. The recommendation is a greedy parallel set, not an optimal
// partition.
package conflict

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sourcegraph/conc/iter"

	"github.com/Iron-Ham/guardian/internal/config"
)

// IssueAnalysis is the computed view of one task.
type IssueAnalysis struct {
	TaskID       string   `json:"task_id,omitempty"`
	Files        []string `json:"files"`
	Labels       []string `json:"labels"`
	ParallelSafe bool     `json:"parallel_safe"`
}

// Conflict is a pair of tasks sharing at least one area label. A always
// precedes B in the analyzed task order.
type Conflict struct {
	A      string   `json:"a"`
	B      string   `json:"b"`
	Labels []string `json:"labels"`
}

// Recommendation splits tasks into a conflict-free parallel set and the
// tasks deferred because they conflict with it.
type Recommendation struct {
	Parallel []string `json:"parallel"`
	Deferred []string `json:"deferred"`
	Summary  string   `json:"summary"`
}

// Report is the result of CheckParallelSafety.
type Report struct {
	Safe           bool            `json:"safe"`
	Tasks          []IssueAnalysis `json:"tasks"`
	Conflicts      []Conflict      `json:"conflicts"`
	Recommendation Recommendation  `json:"recommendation"`
}

// Analyzer maps files to area labels.
type Analyzer struct {
	labels []Label
}

// NewAnalyzer compiles defs into an Analyzer.
func NewAnalyzer(defs []config.AreaLabelConfig) (*Analyzer, error) {
	labels, err := CompileLabels(defs)
	if err != nil {
		return nil, err
	}
	return &Analyzer{labels: labels}, nil
}

// Labels returns the configured label names in configuration order.
func (a *Analyzer) Labels() []string {
	names := make([]string, len(a.labels))
	for i, l := range a.labels {
		names[i] = l.Name
	}
	return names
}

// LabelsForFiles returns the sorted names of every label with a pattern
// matching at least one of files.
func (a *Analyzer) LabelsForFiles(files []string) []string {
	out := []string{}
	for _, l := range a.labels {
		if _, ok := l.Patterns.Match(files...); ok {
			out = append(out, l.Name)
		}
	}
	slices.Sort(out)
	return out
}

// PairwiseConflict reports whether two label sets intersect.
func PairwiseConflict(a, b []string) bool {
	return len(SharedLabels(a, b)) > 0
}

// SharedLabels returns the sorted intersection of two label sets.
func SharedLabels(a, b []string) []string {
	var shared []string
	for _, l := range a {
		if slices.Contains(b, l) && !slices.Contains(shared, l) {
			shared = append(shared, l)
		}
	}
	slices.Sort(shared)
	return shared
}

// AnalyzeIssue extracts file mentions from text and maps them to labels.
// The result is parallel-safe when it conflicts with none of peers.
func (a *Analyzer) AnalyzeIssue(text string, peers ...Task) IssueAnalysis {
	ia := a.analyze(Task{Body: text})
	ia.ParallelSafe = true
	for _, p := range peers {
		if PairwiseConflict(ia.Labels, a.analyze(p).Labels) {
			ia.ParallelSafe = false
			break
		}
	}
	return ia
}

func (a *Analyzer) analyze(t Task) IssueAnalysis {
	files := slices.Clone(t.Files)
	for _, f := range ExtractFileMentions(t.Title + "\n" + t.Body) {
		if !slices.Contains(files, f) {
			files = append(files, f)
		}
	}
	if files == nil {
		files = []string{}
	}
	return IssueAnalysis{TaskID: t.ID, Files: files, Labels: a.LabelsForFiles(files)}
}

// CheckParallelSafety analyzes every task and records a conflict for each
// pair whose label sets intersect. The report is safe iff there are none.
// Tasks with no labels conflict with nothing.
func (a *Analyzer) CheckParallelSafety(tasks []Task) Report {
	analyses := iter.Map(tasks, func(t *Task) IssueAnalysis {
		return a.analyze(*t)
	})

	conflicts := []Conflict{}
	conflicted := make([]bool, len(analyses))
	for i := range analyses {
		for j := i + 1; j < len(analyses); j++ {
			shared := SharedLabels(analyses[i].Labels, analyses[j].Labels)
			if len(shared) == 0 {
				continue
			}
			conflicts = append(conflicts, Conflict{A: analyses[i].TaskID, B: analyses[j].TaskID, Labels: shared})
			conflicted[i], conflicted[j] = true, true
		}
	}
	for i := range analyses {
		analyses[i].ParallelSafe = !conflicted[i]
	}
	if analyses == nil {
		analyses = []IssueAnalysis{}
	}

	return Report{
		Safe:           len(conflicts) == 0,
		Tasks:          analyses,
		Conflicts:      conflicts,
		Recommendation: recommend(analyses),
	}
}

// recommend admits tasks in order, deferring any task that shares a label
// with one already admitted.
func recommend(analyses []IssueAnalysis) Recommendation {
	rec := Recommendation{Parallel: []string{}, Deferred: []string{}}
	var admitted []string
	for _, ia := range analyses {
		if PairwiseConflict(admitted, ia.Labels) {
			rec.Deferred = append(rec.Deferred, ia.TaskID)
			continue
		}
		rec.Parallel = append(rec.Parallel, ia.TaskID)
		admitted = append(admitted, ia.Labels...)
	}

	switch {
	case len(rec.Deferred) == 0:
		rec.Summary = fmt.Sprintf("all %d tasks can run in parallel", len(rec.Parallel))
	default:
		rec.Summary = fmt.Sprintf("run %s in parallel; defer %s until they finish",
			strings.Join(rec.Parallel, ", "), strings.Join(rec.Deferred, ", "))
	}
	return rec
}
