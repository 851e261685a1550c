package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"
)

// minAgentVersions are the oldest agent CLI releases known to support
// one-shot prompt mode the way the adapters invoke it.
var minAgentVersions = map[string]string{
	"claude": "v1.0.0",
	"gemini": "v0.2.0",
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check agent availability and run-directory health",
	Long: `Preflight checks before a run:
- at least one agent CLI on PATH (claude, gemini, q)
- agent CLI versions meet the supported minimum
- the prompt file exists
- the run directory is writable

Exit codes:
  0 - all checks passed
  1 - one or more checks failed`,
	Run: func(cmd *cobra.Command, args []string) {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		failures := 0

		fmt.Println("Checking agent CLIs...")
		found := 0
		for _, name := range []string{"claude", "gemini", "q"} {
			path, err := exec.LookPath(name)
			if err != nil {
				fmt.Printf("  %s %s not on PATH\n", yellow("-"), name)
				continue
			}
			found++
			if v, ok := agentVersion(name); ok {
				if min, checked := minAgentVersions[name]; checked && semver.Compare(v, min) < 0 {
					fmt.Printf("  %s %s %s is older than supported %s\n", red("✗"), name, v, min)
					failures++
					continue
				}
				fmt.Printf("  %s %s %s (%s)\n", green("✓"), name, v, path)
			} else {
				fmt.Printf("  %s %s (%s)\n", green("✓"), name, path)
			}
		}
		if found == 0 {
			fmt.Printf("  %s no agent CLI found\n", red("✗"))
			failures++
		}

		fmt.Println("Checking run directory...")
		promptPath := filepath.Join(runDir, "PROMPT.md")
		if _, err := os.Stat(promptPath); err != nil {
			fmt.Printf("  %s prompt file missing: %s\n", red("✗"), promptPath)
			failures++
		} else {
			fmt.Printf("  %s prompt file: %s\n", green("✓"), promptPath)
		}

		probe := filepath.Join(runDir, ".ralph-doctor-probe")
		if err := os.WriteFile(probe, []byte("probe"), 0644); err != nil {
			fmt.Printf("  %s run directory not writable: %v\n", red("✗"), err)
			failures++
		} else {
			os.Remove(probe)
			fmt.Printf("  %s run directory writable\n", green("✓"))
		}

		if failures > 0 {
			fmt.Printf("\n%s %d check(s) failed\n", red("✗"), failures)
			os.Exit(1)
		}
		fmt.Printf("\n%s all checks passed\n", green("✓"))
	},
}

// agentVersion shells out for a version string and normalizes it to the
// vMAJOR.MINOR.PATCH form semver.Compare expects.
func agentVersion(name string) (string, bool) {
	out, err := exec.Command(name, "--version").Output()
	if err != nil {
		return "", false
	}
	for _, field := range strings.Fields(string(out)) {
		v := field
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if semver.IsValid(v) {
			return v, true
		}
	}
	return "", false
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
