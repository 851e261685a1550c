package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralph-orchestrator/ralph/internal/config"
	"github.com/ralph-orchestrator/ralph/internal/logging"
	"github.com/ralph-orchestrator/ralph/internal/loop"
)

var runFlags struct {
	agent         string
	promptFile    string
	maxIterations int
	maxRuntime    int
	maxCost       float64
	orchestrate   bool
	validate      bool
	marker        string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervised loop until completion or a limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ralph:", err)
			os.Exit(loop.ExitConfigError)
		}

		ws := loop.Workspace{Root: runDir}
		if err := ws.Ensure(); err != nil {
			fmt.Fprintln(os.Stderr, "ralph:", err)
			os.Exit(loop.ExitConfigError)
		}
		log := logging.New(ws.LogsDir(), time.Now())
		defer log.Close()

		l, err := loop.New(cfg, runDir, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ralph:", err)
			os.Exit(loop.ExitConfigError)
		}

		ctx, stop := loop.InstallSignalHandlers(cmd.Context(), l)
		defer stop()

		outcome := l.Run(ctx)
		loop.PrintSummary(os.Stdout, outcome)
		os.Exit(outcome.ExitCode)
		return nil
	},
}

// loadConfig layers flags over the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("ralph.yml"); err == nil {
			path = "ralph.yml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("agent") {
		cfg.Agent = runFlags.agent
	}
	if flags.Changed("prompt") {
		cfg.PromptFile = runFlags.promptFile
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = runFlags.maxIterations
	}
	if flags.Changed("max-runtime") {
		cfg.MaxRuntimeSeconds = runFlags.maxRuntime
	}
	if flags.Changed("max-cost") {
		cfg.MaxCost = runFlags.maxCost
	}
	if flags.Changed("orchestrate") {
		cfg.EnableOrchestration = runFlags.orchestrate
	}
	if flags.Changed("validate") {
		cfg.EnableValidation = runFlags.validate
	}
	if flags.Changed("marker") {
		cfg.CompletionMarker = runFlags.marker
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.agent, "agent", "a", "auto", "agent tag (auto, claude, gemini, qchat, acp)")
	runCmd.Flags().StringVarP(&runFlags.promptFile, "prompt", "p", "PROMPT.md", "prompt file")
	runCmd.Flags().IntVar(&runFlags.maxIterations, "max-iterations", 100, "iteration cap")
	runCmd.Flags().IntVar(&runFlags.maxRuntime, "max-runtime", 14400, "wall-clock cap in seconds")
	runCmd.Flags().Float64Var(&runFlags.maxCost, "max-cost", 50.0, "spend ceiling in USD")
	runCmd.Flags().BoolVar(&runFlags.orchestrate, "orchestrate", false, "route iterations through sub-agents")
	runCmd.Flags().BoolVar(&runFlags.validate, "validate", false, "gate completion on the evidence directory")
	runCmd.Flags().StringVar(&runFlags.marker, "marker", "TASK_COMPLETE", "completion marker")
	rootCmd.AddCommand(runCmd)
}
