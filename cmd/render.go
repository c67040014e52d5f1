package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// palette returns red and yellow printers, plain when w is not a terminal.
func palette(w io.Writer) (*color.Color, *color.Color) {
	red, yellow := color.New(color.FgRed, color.Bold), color.New(color.FgYellow)
	if !isTerminal(w) {
		red.DisableColor()
		yellow.DisableColor()
	}
	return red, yellow
}

// follow renders op's progress on stderr and waits for its result.
func follow(cmd *cobra.Command, op *backup.Operation) backup.Result {
	w := cmd.ErrOrStderr()
	return backup.NewRenderer(w, isTerminal(w)).Render(op)
}

func printResult(w io.Writer, res backup.Result) {
	green := color.New(color.FgGreen)
	red, yellow := palette(w)
	if !isTerminal(w) {
		green.DisableColor()
	}

	switch res.Status {
	case backup.StatusCompleted:
		fmt.Fprintf(w, "%s %s\n", green.Sprint("✓"), backup.Summary(res))
	case backup.StatusCancelled:
		fmt.Fprintf(w, "%s %s\n", yellow.Sprint("!"), backup.Summary(res))
	default:
		fmt.Fprintf(w, "%s %s\n", red.Sprint("✗"), backup.Summary(res))
	}
	if v := res.Verification; v != nil {
		fmt.Fprintf(w, "  verified: %d tables\n", v.Tables)
	}
	if res.Location != "" {
		fmt.Fprintf(w, "  copied to %s\n", res.Location)
	}
	if res.PartialPath != "" {
		fmt.Fprintf(w, "  %s partial output left at %s\n", yellow.Sprint("warning:"), res.PartialPath)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", yellow.Sprint("warning:"), warning)
	}
}
