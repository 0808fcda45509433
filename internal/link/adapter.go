package link

import "time"

// AdapterState reports whether the radio can be used.
type AdapterState struct {
	Ready  bool
	Reason string
}

// Adapter is the radio stack the coordinator drives. Commands are fire-and-forget:
// results arrive later through AdapterEvents. Implementations must tolerate
// CancelConnection for a device that is not connected.
type Adapter interface {
	State() AdapterState
	StartScan(services []string) error
	StopScan() error
	Connect(dev Device) error
	CancelConnection(dev Device) error
	Write(dev Device, data []byte) error
}

// AdapterEvents receives radio events. Every per-device event carries the
// device ID so events for a device that is no longer the target can be ignored.
type AdapterEvents interface {
	AdapterStateChanged(state AdapterState)
	DeviceFound(dev Device)
	DeviceConnected(id string)
	ConnectFailed(id string, err error)
	DeviceDisconnected(id string, err error)
	NotificationsEnabled(id string)
	DataReceived(id string, data []byte)
}

// Scheduler runs fn once after d. The returned stop function prevents a
// pending run and reports whether it did.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// TimeScheduler schedules with time.AfterFunc.
type TimeScheduler struct{}

func (TimeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}
