package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/tweakagent/internal/scriptpolicy"
)

var (
	policyFile string
	policyMode string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the script policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check --file <script.ps1>",
	Short: "Evaluate a script against the script policy without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := policyMode
		if mode == "" {
			mode = loadConfigOrDefault().ScriptPolicy
		}
		d, err := checkScript(policyFile, mode)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
		if !d.Allowed {
			return fmt.Errorf("script blocked: %s", d.ReasonCode)
		}
		return nil
	},
}

func init() {
	policyCheckCmd.Flags().StringVarP(&policyFile, "file", "f", "", "PowerShell script to evaluate")
	policyCheckCmd.Flags().StringVar(&policyMode, "mode", "", "strict, moderate or permissive (default from config)")
	_ = policyCheckCmd.MarkFlagRequired("file")
	policyCmd.AddCommand(policyCheckCmd)
}

func checkScript(path, mode string) (scriptpolicy.Decision, error) {
	m, err := scriptpolicy.ParseMode(mode)
	if err != nil {
		return scriptpolicy.Decision{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return scriptpolicy.Decision{}, fmt.Errorf("read script: %w", err)
	}
	return scriptpolicy.New(m).Evaluate(string(data)), nil
}
