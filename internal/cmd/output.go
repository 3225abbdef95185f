package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(14)
)

// jsonOutput reports whether cmd should print JSON: when asked to, or when
// stdout is not a terminal (hooks, pipes).
func jsonOutput(cmd *cobra.Command) bool {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return true
	}
	out, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// field prints one aligned "label value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label), value)
}

func heading(w io.Writer, text string) {
	fmt.Fprintln(w, titleStyle.Render(text))
}
