//go:build !linux

package capture

import (
	"fmt"
	"runtime"
)

type TunSource struct{}

func NewTunSource(name string) (*TunSource, error) {
	return nil, fmt.Errorf("tun source %q is not supported on %s", name, runtime.GOOS)
}

func (t *TunSource) Read([]byte) (int, error) { return 0, ErrSourceClosed }

func (t *TunSource) Close() error { return nil }

func (t *TunSource) Name() string { return "" }
