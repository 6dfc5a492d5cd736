package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bendlink/internal/calibration"
	"github.com/srg/bendlink/internal/datalog"
	"github.com/srg/bendlink/internal/device"
	"github.com/srg/bendlink/internal/session"
)

// Command-level errors
var (
	// ErrNoSensor indicates a scan finished without finding a matching sensor.
	ErrNoSensor = errors.New("no sensor found")

	// ErrVariantUnknown indicates the sensor never reported its model or any telemetry.
	ErrVariantUnknown = errors.New("sensor variant could not be identified")
)

// FormatUserError turns an error chain into a one-line message for the operator.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth radio is not on."
	case errors.Is(err, device.ErrConnectionRefused):
		return fmt.Sprintf("the sensor refused the connection; check pairing and Bluetooth permissions (%v)", err)
	case errors.Is(err, device.ErrConnectionUnavailable):
		return fmt.Sprintf("device unreachable; make sure the sensor is on and in range (%v)", err)
	case errors.Is(err, device.ErrServiceDiscoveryFailed):
		return fmt.Sprintf("connected, but the sensor services could not be resolved (%v)", err)
	case errors.Is(err, device.ErrSubscriptionUnauthorized):
		return "the sensor rejected the telemetry subscription: not authorized"
	case errors.Is(err, device.ErrSubscriptionRejected):
		return fmt.Sprintf("error registering for value changes (%v)", err)
	case errors.Is(err, device.ErrWriteUnauthorized):
		return "the sensor rejected the command: not authorized"
	case errors.Is(err, device.ErrWriteRejected):
		return fmt.Sprintf("the sensor rejected the command (%v)", err)
	case errors.Is(err, session.ErrConnectionLost):
		return "connection to the sensor was lost"
	case errors.Is(err, datalog.ErrStorageUnavailable):
		return "no writable folder for data logs; set datalog.dir in the config file"
	case errors.Is(err, datalog.ErrInvalidRotation):
		return err.Error()
	case errors.Is(err, calibration.ErrBusy):
		return "a calibration step is already running"
	case errors.Is(err, calibration.ErrNotSingleAxis):
		return "bend and stretch calibration need a one axis sensor; use --type two-axis"
	case errors.Is(err, ErrNoSensor):
		return "no sensor found; make sure it is powered and advertising, or pass its address"
	case errors.Is(err, ErrVariantUnknown):
		return "the sensor did not report its model or any readings"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	}
	return err.Error()
}
