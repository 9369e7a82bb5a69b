//go:build windows

package restorepoint

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

const (
	beginSystemChange = 100
	modifySettings    = 12
	maxDescription    = 256
)

type wmiCreator struct{}

// New returns the WMI SystemRestore backed Creator.
func New() Creator {
	return wmiCreator{}
}

// Create calls SystemRestore.CreateRestorePoint in root\default. Windows
// throttles restore points to one per 24h by default; a throttled call still
// returns success.
func (wmiCreator) Create(ctx context.Context, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(description) > maxDescription-1 {
		description = description[:maxDescription-1]
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		return fmt.Errorf("initialize COM: %w", err)
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return fmt.Errorf("%w: create WMI locator: %v", ErrUnsupported, err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("query WMI locator: %w", err)
	}
	defer locator.Release()

	svcRaw, err := oleutil.CallMethod(locator, "ConnectServer", nil, `root\default`)
	if err != nil {
		return fmt.Errorf("connect to root\\default: %w", err)
	}
	services := svcRaw.ToIDispatch()
	defer services.Release()

	clsRaw, err := oleutil.CallMethod(services, "Get", "SystemRestore")
	if err != nil {
		// Server SKUs have no SystemRestore class.
		return fmt.Errorf("%w: SystemRestore class unavailable: %v", ErrUnsupported, err)
	}
	cls := clsRaw.ToIDispatch()
	defer cls.Release()

	ret, err := oleutil.CallMethod(cls, "CreateRestorePoint", description, modifySettings, beginSystemChange)
	if err != nil {
		return fmt.Errorf("CreateRestorePoint: %w", err)
	}
	defer ret.Clear()

	if code, ok := ret.Value().(int32); ok && code != 0 {
		return fmt.Errorf("CreateRestorePoint returned %d", code)
	}
	return nil
}
