//go:build linux

package tunnel

import (
	"golang.zx2c4.com/wireguard/tun"
)

// createTUN creates a kernel TUN device using wireguard-go. Requires
// CAP_NET_ADMIN. The device's File() is the descriptor handed to the bridge.
func createTUN(name string, mtu int) (Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
