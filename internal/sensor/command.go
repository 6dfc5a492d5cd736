package sensor

import (
	"fmt"
	"strings"
)

// Command is the first byte of a generic command frame.
type Command byte

const (
	CmdRun Command = iota
	CmdSPS
	CmdReset
	CmdDFU
	CmdSetAddress
	CmdPolledMode
	CmdGetFirmwareVersion
	CmdCalibrate
	CmdReadStretch
	CmdShutdown
	CmdGetDeviceID
)

var commandNames = map[Command]string{
	CmdRun:                "run",
	CmdSPS:                "sps",
	CmdReset:              "reset",
	CmdDFU:                "dfu",
	CmdSetAddress:         "set-address",
	CmdPolledMode:         "polled-mode",
	CmdGetFirmwareVersion: "get-fw-ver",
	CmdCalibrate:          "calibrate",
	CmdReadStretch:        "read-stretch",
	CmdShutdown:           "shutdown",
	CmdGetDeviceID:        "get-dev-id",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", byte(c))
}

// ParseCommand resolves a command by name, case-insensitively.
// Underscores are accepted in place of dashes.
func ParseCommand(name string) (Command, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for cmd, n := range commandNames {
		if n == key {
			return cmd, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", name)
}

// Commands lists all command names in wire order.
func Commands() []string {
	names := make([]string, 0, len(commandNames))
	for c := CmdRun; c <= CmdGetDeviceID; c++ {
		names = append(names, commandNames[c])
	}
	return names
}

// Frame builds a command frame: the command byte followed by its payload.
func Frame(cmd Command, payload ...byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, byte(cmd))
	return append(frame, payload...)
}

// CalibrationStep identifies a calibration reference position.
type CalibrationStep byte

const (
	StepFlat CalibrationStep = iota
	StepBend90
	StepVertical90
	StepClear
	StepZeroStretch
	StepStretch30mm
)

// StepHorizontal90 shares the wire id of StepBend90.
const StepHorizontal90 = StepBend90

func (s CalibrationStep) String() string {
	switch s {
	case StepFlat:
		return "Flat"
	case StepBend90:
		return "90°"
	case StepVertical90:
		return "Vertical 90°"
	case StepClear:
		return "Clear"
	case StepZeroStretch:
		return "Zero stretch"
	case StepStretch30mm:
		return "30mm stretch"
	default:
		return fmt.Sprintf("step(%d)", byte(s))
	}
}

// CalibrationPayload is the single byte written for a calibration step.
func CalibrationPayload(step CalibrationStep) []byte {
	return []byte{byte(step)}
}

// stretchMarker is the fixed second byte of the stretch toggle.
const stretchMarker = 0x80

// StretchPayload enables or disables stretch reporting.
func StretchPayload(enable bool) []byte {
	var b byte
	if enable {
		b = 1
	}
	return []byte{b, stretchMarker}
}
