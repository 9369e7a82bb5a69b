package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/tweakagent/internal/elevated"
	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak/registry"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string

	// set by the parent agent when it relaunches itself for one
	// privileged operation
	elevatedMode bool
	payloadPath  string
)

var rootCmd = &cobra.Command{
	Use:           "tweak-agent",
	Short:         "Windows tweak agent",
	Long:          `tweak-agent applies operator-issued Windows tweaks, audits every attempt, and keeps a channel open to the tweak hub.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if elevatedMode {
			os.Exit(runElevated(payloadPath))
		}
		return cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tweak-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is agent.yaml in the platform config dir)")
	rootCmd.Flags().BoolVar(&elevatedMode, "elevated", false, "run one privileged operation and exit")
	rootCmd.Flags().StringVar(&payloadPath, "payload", "", "request file for --elevated")
	_ = rootCmd.Flags().MarkHidden("elevated")
	_ = rootCmd.Flags().MarkHidden("payload")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(policyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runElevated is the helper side of elevated.Client. Stdout carries exactly
// one JSON response line, so logs go to stderr.
func runElevated(payload string) int {
	logging.Init("text", "warn", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := executor.New()
	h := &elevated.Handler{
		Runner:   runner,
		Registry: registry.NewStore(),
		Services: service.NewController(runner),
	}
	return elevated.Run(ctx, payload, os.Stdout, h)
}
