//go:build !windows

package volume

import "context"

// Open on non-Windows platforms returns an empty SimHandle rather than
// failing outright, so the journal reader and its tests run unmodified on
// any development platform. A real deployment always targets windows,
// where Open issues the actual DeviceIoControl calls.
func Open(ctx context.Context, name string) (Handle, error) {
	return NewSimHandle(name), nil
}
