package goble

import (
	"fmt"
	"strings"

	"github.com/srg/ubplink/internal/link"
)

// NormalizeError maps known go-ble error strings to link errors, wrapping the original.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4"):
		return fmt.Errorf("%w: %v", link.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", link.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", link.ErrNotConnected, err)
	default:
		return err
	}
}

// unavailableReason turns a radio open failure into a short reason for the Unavailable state.
func unavailableReason(err error) string {
	switch {
	case err == nil:
		return ""
	case containsIgnoreCase(err.Error(), link.ErrBluetoothOff.Error()):
		return "powered off"
	case containsIgnoreCase(err.Error(), "unauthorized"), containsIgnoreCase(err.Error(), "permission"):
		return "unauthorized"
	case containsIgnoreCase(err.Error(), "not supported"):
		return "unsupported"
	default:
		return err.Error()
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
