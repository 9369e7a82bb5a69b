//go:build !windows

package registry

import "github.com/breeze-rmm/tweakagent/internal/tweak"

type unsupportedStore struct{}

// NewStore returns a Store that fails every call; the registry exists only
// on Windows.
func NewStore() Store {
	return unsupportedStore{}
}

func (unsupportedStore) Read(Key, string) (Value, error) {
	return Value{}, tweak.NewUnsupportedError("registry read", "registry is only supported on Windows")
}

func (unsupportedStore) Write(Key, string, Value) error {
	return tweak.NewUnsupportedError("registry write", "registry is only supported on Windows")
}

func (unsupportedStore) Delete(Key, string) error {
	return tweak.NewUnsupportedError("registry delete", "registry is only supported on Windows")
}
