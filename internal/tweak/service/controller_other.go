//go:build !windows

package service

import (
	"context"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

type unsupportedController struct{}

// NewController returns a Controller that fails every call outside Windows.
func NewController(executor.Runner) Controller {
	return unsupportedController{}
}

func (unsupportedController) Query(_ context.Context, name string) (Status, error) {
	return Status{Name: name, State: StateUnknown}, tweak.NewUnsupportedError("service query", "service control is only supported on Windows")
}

func (unsupportedController) Start(context.Context, string) error {
	return tweak.NewUnsupportedError("service start", "service control is only supported on Windows")
}

func (unsupportedController) Stop(context.Context, string) error {
	return tweak.NewUnsupportedError("service stop", "service control is only supported on Windows")
}

func (unsupportedController) SetStartType(context.Context, string, string) error {
	return tweak.NewUnsupportedError("service config", "service control is only supported on Windows")
}
