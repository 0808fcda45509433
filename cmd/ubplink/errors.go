package main

import (
	"context"
	"errors"

	"github.com/srg/ubplink/internal/link"
)

// Command-level errors
var (
	// ErrNoDevice indicates the scan window closed without a matching peripheral.
	ErrNoDevice = errors.New("no matching device found")
	// ErrConnectionLost indicates the link dropped while a command still needed it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns internal errors into messages suitable for a terminal.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, link.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, link.ErrAdapterUnavailable):
		return "Bluetooth adapter is not available: " + err.Error()
	case errors.Is(err, link.ErrNotConnected):
		return "device is not connected"
	case errors.Is(err, link.ErrNoTarget):
		return "no device selected"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
