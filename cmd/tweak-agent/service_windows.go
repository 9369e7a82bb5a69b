//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows/svc"
)

const windowsServiceName = "TweakAgent"

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// hasConsole is false under the SCM, where stdout goes nowhere.
func hasConsole() bool { return !isWindowsService() }

// agentService implements svc.Handler for the Windows SCM.
type agentService struct {
	startFn func() (*agentComponents, error)
}

// runAsService runs the agent under the Windows Service Control Manager.
// startFn is called once the SCM has accepted the start; its components
// are shut down when the SCM sends Stop or Shutdown.
func runAsService(startFn func() (*agentComponents, error)) error {
	return svc.Run(windowsServiceName, &agentService{startFn: startFn})
}

func (s *agentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	comps, err := s.startFn()
	if err != nil {
		log.Error("agent start failed", "error", err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("agent running as Windows service")

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending}
			shutdownAgent(comps)
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	shutdownAgent(comps)
	return false, 0
}
