package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// host is the part of ble.Device the adapter uses.
type host interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, addr ble.Addr) (gattClient, error)
}

// gattClient is the part of ble.Client the adapter uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// bleHost wraps ble.Device to implement host.
type bleHost struct {
	dev ble.Device
}

func (h *bleHost) Scan(ctx context.Context, allowDup bool, handler ble.AdvHandler) error {
	return h.dev.Scan(ctx, allowDup, handler)
}

func (h *bleHost) Dial(ctx context.Context, addr ble.Addr) (gattClient, error) {
	client, err := h.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func openHost() (host, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return &bleHost{dev: dev}, nil
}
