package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ralph version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ralph", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
