package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/guardian/internal/conflict"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Decide which tasks can safely run in parallel",
	Long: `Map tasks to area labels through the files they mention and report
which tasks conflict. Labels come from the labels and labels_file
configuration.`,
}

var analyzeIssueCmd = &cobra.Command{
	Use:   "issue [text]...",
	Short: "Extract files and labels from one issue",
	Long: `Extract file mentions and area labels from issue text given as
arguments, with --file, or on stdin. With --peers, also report whether the
issue conflicts with any task in that file.`,
	RunE: runAnalyzeIssue,
}

var analyzeParallelCmd = &cobra.Command{
	Use:   "parallel <tasks.yaml>",
	Short: "Check a task list for pairwise conflicts",
	Long: `Check every pair of tasks for shared area labels and recommend a
conflict-free set to run in parallel. The file is a YAML list of tasks
(id, title, body, files) or a document with a top-level "tasks" key.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyzeParallel,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.AddCommand(analyzeIssueCmd)
	analyzeCmd.AddCommand(analyzeParallelCmd)

	analyzeIssueCmd.Flags().StringP("file", "f", "", "read the issue text from a file")
	analyzeIssueCmd.Flags().String("peers", "", "tasks file the issue is checked against")
}

func issueText(cmd *cobra.Command, args []string) (string, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		return string(data), err
	}
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	return string(data), err
}

func runAnalyzeIssue(cmd *cobra.Command, args []string) error {
	text, err := issueText(cmd, args)
	if err != nil {
		return err
	}
	var peers []conflict.Task
	if path, _ := cmd.Flags().GetString("peers"); path != "" {
		if peers, err = conflict.LoadTasksFile(path); err != nil {
			return err
		}
	}

	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	ia := g.Analyzer.AnalyzeIssue(text, peers...)
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, ia)
	}
	field(out, "Files", strings.Join(ia.Files, ", "))
	field(out, "Labels", strings.Join(ia.Labels, ", "))
	if ia.ParallelSafe {
		field(out, "Parallel", okStyle.Render("safe"))
	} else {
		field(out, "Parallel", errStyle.Render("conflicts with a peer"))
	}
	return nil
}

func runAnalyzeParallel(cmd *cobra.Command, args []string) error {
	tasks, err := conflict.LoadTasksFile(args[0])
	if err != nil {
		return err
	}

	g, err := openGuardian()
	if err != nil {
		return err
	}
	defer g.Close()

	r := g.Analyzer.CheckParallelSafety(tasks)
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, r)
	}

	for _, t := range r.Tasks {
		mark := okStyle.Render("ok  ")
		if !t.ParallelSafe {
			mark = warnStyle.Render("conf")
		}
		fmt.Fprintf(out, "%s %s %s\n", mark, titleStyle.Render(t.TaskID), dimStyle.Render("["+strings.Join(t.Labels, ", ")+"]"))
	}
	if len(r.Conflicts) > 0 {
		fmt.Fprintln(out)
		heading(out, "Conflicts")
		for _, c := range r.Conflicts {
			fmt.Fprintf(out, "  %s <-> %s on %s\n", c.A, c.B, strings.Join(c.Labels, ", "))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, r.Recommendation.Summary)
	return nil
}
