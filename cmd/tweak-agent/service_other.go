//go:build !windows

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the tweak agent Windows service",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Service management is only available on Windows.")
	},
}

func isWindowsService() bool { return false }

// hasConsole reports whether stdout is connected to a terminal.
func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runAsService(_ func() (*agentComponents, error)) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}
