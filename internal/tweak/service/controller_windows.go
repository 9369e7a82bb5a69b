//go:build windows

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// scConfigTimeout bounds one sc.exe invocation.
const scConfigTimeout = 30 * time.Second

type scmController struct {
	runner executor.Runner
}

// NewController returns the Service Control Manager backed Controller.
// Start type changes go through sc.exe using runner.
func NewController(runner executor.Runner) Controller {
	return &scmController{runner: runner}
}

func (c *scmController) open(name string) (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, mapErr(name, fmt.Errorf("connect to SCM: %w", err))
	}
	s, err := m.OpenService(name)
	if err != nil {
		m.Disconnect()
		return nil, nil, mapErr(name, err)
	}
	return m, s, nil
}

func (c *scmController) Query(_ context.Context, name string) (Status, error) {
	m, s, err := c.open(name)
	if err != nil {
		return Status{Name: name, State: StateUnknown}, err
	}
	defer m.Disconnect()
	defer s.Close()

	st, err := s.Query()
	if err != nil {
		return Status{Name: name, State: StateUnknown}, mapErr(name, fmt.Errorf("query %s: %w", name, err))
	}
	cfg, _ := s.Config()
	return Status{
		Name:        name,
		DisplayName: cfg.DisplayName,
		State:       mapState(st.State),
		StartType:   mapStartType(cfg.StartType),
	}, nil
}

func (c *scmController) Start(_ context.Context, name string) error {
	m, s, err := c.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()
	if err := s.Start(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
		return mapErr(name, fmt.Errorf("start %s: %w", name, err))
	}
	return nil
}

func (c *scmController) Stop(_ context.Context, name string) error {
	m, s, err := c.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()
	if _, err := s.Control(svc.Stop); err != nil && !errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
		return mapErr(name, fmt.Errorf("stop %s: %w", name, err))
	}
	return nil
}

// SetStartType runs `sc.exe config <name> start= <type>`.
func (c *scmController) SetStartType(ctx context.Context, name, startType string) error {
	arg, ok := scStartArg[startType]
	if !ok {
		return fmt.Errorf("unsupported start type %q", startType)
	}
	res, err := c.runner.Run(ctx, executor.Command{
		Name:    "sc.exe",
		Args:    []string{"config", name, "start=", arg},
		Timeout: scConfigTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if res.ExitCode == int(windows.ERROR_ACCESS_DENIED) {
			return tweak.NewPermissionIssue("", "sc.exe config %s: %s", name, res.FailureText())
		}
		return fmt.Errorf("sc.exe config %s: %s", name, res.FailureText())
	}
	return nil
}

var scStartArg = map[string]string{
	StartAutomatic: "auto",
	StartManual:    "demand",
	StartDisabled:  "disabled",
}

func mapErr(name string, err error) error {
	switch {
	case errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST):
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return tweak.NewPermissionIssue("", "access denied controlling service %s", name)
	default:
		return err
	}
}

func mapState(state svc.State) string {
	switch state {
	case svc.Running:
		return StateRunning
	case svc.Stopped:
		return StateStopped
	case svc.StartPending, svc.ContinuePending:
		return StateStartPending
	case svc.StopPending:
		return StateStopPending
	case svc.Paused, svc.PausePending:
		return StatePaused
	default:
		return StateUnknown
	}
}

func mapStartType(startType uint32) string {
	switch startType {
	case mgr.StartAutomatic:
		return StartAutomatic
	case mgr.StartManual:
		return StartManual
	case mgr.StartDisabled:
		return StartDisabled
	default:
		return fmt.Sprintf("type_%d", startType)
	}
}
