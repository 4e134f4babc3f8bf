package cgminer

import (
	"errors"
	"fmt"
)

var (
	// ErrPowerLimitUnsupported indicates the firmware rejected a power
	// control command. Stock CGMiner-family firmware has no power target;
	// this is distinct from the device being unreachable.
	ErrPowerLimitUnsupported = errors.New("power limiting not supported by firmware")

	// ErrTimeout indicates a command exceeded the per-command deadline.
	ErrTimeout = errors.New("device command timed out")
)

// DeviceError wraps a transport or protocol failure talking to one device.
type DeviceError struct {
	MinerID string
	Op      string
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("cgminer %s: %s: %v", e.MinerID, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// StatusError is an error status returned by the device API itself; the
// transport round-trip succeeded but the firmware refused the command.
type StatusError struct {
	Command string
	Msg     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device rejected %q: %s", e.Command, e.Msg)
}
