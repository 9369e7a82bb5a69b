//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the tweak agent Windows service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd)
}

func openAgentService() (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("connect to SCM (run as Administrator): %w", err)
	}
	s, err := m.OpenService(windowsServiceName)
	if err != nil {
		m.Disconnect()
		return nil, nil, fmt.Errorf("open service: %w", err)
	}
	return m, s, nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("determine executable path: %w", err)
		}

		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("connect to SCM (run as Administrator): %w", err)
		}
		defer m.Disconnect()

		runArgs := []string{"run"}
		if cfgFile != "" {
			runArgs = append(runArgs, "--config", cfgFile)
		}
		s, err := m.CreateService(windowsServiceName, exePath, mgr.Config{
			DisplayName:  "Tweak Agent",
			Description:  "Applies and audits operator-issued Windows tweaks",
			StartType:    mgr.StartAutomatic,
			ErrorControl: mgr.ErrorNormal,
		}, runArgs...)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}
		defer s.Close()

		err = s.SetRecoveryActions([]mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		}, 86400)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to set recovery actions: %v\n", err)
		}

		fmt.Printf("Service %q installed.\n", windowsServiceName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, s, err := openAgentService()
		if err != nil {
			return err
		}
		defer m.Disconnect()
		defer s.Close()

		if status, err := s.Query(); err == nil && status.State != svc.Stopped {
			_, _ = s.Control(svc.Stop)
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				st, qErr := s.Query()
				if qErr != nil || st.State == svc.Stopped {
					break
				}
				time.Sleep(500 * time.Millisecond)
			}
		}

		if err := s.Delete(); err != nil {
			return fmt.Errorf("delete service: %w", err)
		}
		fmt.Printf("Service %q uninstalled.\n", windowsServiceName)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, s, err := openAgentService()
		if err != nil {
			return err
		}
		defer m.Disconnect()
		defer s.Close()

		if err := s.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
		fmt.Printf("Service %q started.\n", windowsServiceName)
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, s, err := openAgentService()
		if err != nil {
			return err
		}
		defer m.Disconnect()
		defer s.Close()

		if _, err := s.Control(svc.Stop); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
		fmt.Printf("Service %q stop requested.\n", windowsServiceName)
		return nil
	},
}
