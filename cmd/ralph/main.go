// Command ralph supervises an autonomous coding agent: it repeatedly feeds
// a prompt file to the configured agent CLI until the completion marker
// appears or a safety limit trips.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ralph-orchestrator/ralph/internal/loop"
)

var (
	configPath string
	runDir     string
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Supervise an autonomous coding agent until its task is done",
	Long: `ralph runs an agent CLI (claude, gemini, q, or any ACP-speaking agent)
in a supervised loop. Each iteration feeds the agent the prompt file plus
recent run context, then checks for the completion marker. Safety guards
bound iterations, wall clock, spend, failure streaks, and repetition
loops.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to ralph.yml")
	rootCmd.PersistentFlags().StringVarP(&runDir, "dir", "C", ".", "run directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ralph:", err)
		os.Exit(loop.ExitConfigError)
	}
}
