package loop

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// PrintSummary writes the human-facing terminal summary for a finished run.
func PrintSummary(w io.Writer, o *Outcome) {
	var paint *color.Color
	switch o.State {
	case StateComplete:
		paint = color.New(color.FgGreen, color.Bold)
	case StateAborted:
		paint = color.New(color.FgYellow, color.Bold)
	default:
		paint = color.New(color.FgRed, color.Bold)
	}

	paint.Fprintf(w, "\n%s", o.State)
	if o.Reason != "" {
		fmt.Fprintf(w, " (%s)", o.Reason)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  iterations: %d\n", o.Iterations)
	fmt.Fprintf(w, "  cost:       $%.4f\n", o.TotalCost)
	if o.MetricsPath != "" {
		fmt.Fprintf(w, "  metrics:    %s\n", o.MetricsPath)
	}
	if o.LogPath != "" {
		fmt.Fprintf(w, "  log:        %s\n", o.LogPath)
	}
}
