//go:build windows

package registry

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	winreg "golang.org/x/sys/windows/registry"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

type windowsStore struct{}

// NewStore returns the Store backed by the Windows registry API.
func NewStore() Store {
	return windowsStore{}
}

func rootHandle(r Root) (winreg.Key, error) {
	switch r {
	case RootHKLM:
		return winreg.LOCAL_MACHINE, nil
	case RootHKCU:
		return winreg.CURRENT_USER, nil
	default:
		return 0, ErrRootNotWritable{Root: string(r)}
	}
}

func (windowsStore) Read(key Key, name string) (Value, error) {
	root, err := rootHandle(key.Root)
	if err != nil {
		return Value{}, err
	}
	k, err := winreg.OpenKey(root, key.Subkey, winreg.QUERY_VALUE)
	if err != nil {
		return Value{}, mapErr(key, err)
	}
	defer k.Close()

	_, valType, err := k.GetValue(name, nil)
	if err != nil {
		return Value{}, mapErr(key, err)
	}

	switch valType {
	case winreg.SZ:
		s, _, err := k.GetStringValue(name)
		return Value{Kind: tweak.ValueString, Text: s}, mapErr(key, err)
	case winreg.EXPAND_SZ:
		s, _, err := k.GetStringValue(name)
		return Value{Kind: tweak.ValueExpandString, Text: s}, mapErr(key, err)
	case winreg.DWORD:
		n, _, err := k.GetIntegerValue(name)
		return Value{Kind: tweak.ValueDWord, Integer: n}, mapErr(key, err)
	case winreg.QWORD:
		n, _, err := k.GetIntegerValue(name)
		return Value{Kind: tweak.ValueQWord, Integer: n}, mapErr(key, err)
	case winreg.MULTI_SZ:
		ss, _, err := k.GetStringsValue(name)
		return Value{Kind: tweak.ValueMultiString, Strings: ss}, mapErr(key, err)
	case winreg.BINARY:
		b, _, err := k.GetBinaryValue(name)
		return Value{Kind: tweak.ValueBinary, Binary: b}, mapErr(key, err)
	default:
		return Value{}, fmt.Errorf("registry value %s\\%s has unsupported type %d", key, name, valType)
	}
}

func (windowsStore) Write(key Key, name string, v Value) error {
	root, err := rootHandle(key.Root)
	if err != nil {
		return err
	}
	k, _, err := winreg.CreateKey(root, key.Subkey, winreg.SET_VALUE)
	if err != nil {
		return mapErr(key, err)
	}
	defer k.Close()

	switch v.Kind {
	case tweak.ValueString:
		err = k.SetStringValue(name, v.Text)
	case tweak.ValueExpandString:
		err = k.SetExpandStringValue(name, v.Text)
	case tweak.ValueDWord:
		err = k.SetDWordValue(name, uint32(v.Integer))
	case tweak.ValueQWord:
		err = k.SetQWordValue(name, v.Integer)
	case tweak.ValueMultiString:
		err = k.SetStringsValue(name, v.Strings)
	case tweak.ValueBinary:
		err = k.SetBinaryValue(name, v.Binary)
	default:
		return fmt.Errorf("unsupported registry value type %q", v.Kind)
	}
	return mapErr(key, err)
}

func (windowsStore) Delete(key Key, name string) error {
	root, err := rootHandle(key.Root)
	if err != nil {
		return err
	}
	k, err := winreg.OpenKey(root, key.Subkey, winreg.SET_VALUE)
	if err != nil {
		return mapErr(key, err)
	}
	defer k.Close()
	return mapErr(key, k.DeleteValue(name))
}

func mapErr(key Key, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, winreg.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return tweak.NewPermissionIssue("", "access denied to registry key %s", key)
	default:
		return fmt.Errorf("registry key %s: %w", key, err)
	}
}
