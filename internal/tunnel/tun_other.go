//go:build !linux

package tunnel

import (
	"fmt"
	"runtime"
)

func createTUN(string, int) (Device, error) {
	return nil, fmt.Errorf("TUN interfaces are not supported on %s", runtime.GOOS)
}
