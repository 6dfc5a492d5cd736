// Package sensor holds the wire vocabulary of the bend sensor: device
// variants, command bytes, calibration step ids and telemetry decoding.
package sensor

import "strings"

// Variant is the physical configuration of a connected sensor.
type Variant int32

const (
	Unknown Variant = iota
	SingleAxis
	DualAxis
)

// Model strings reported by the Device Information Model Number characteristic.
const (
	ModelOneAxis = "ADS_ONE_AXIS"
	ModelTwoAxis = "ADS_TWO_AXIS"
)

func (v Variant) String() string {
	switch v {
	case SingleAxis:
		return "single-axis"
	case DualAxis:
		return "dual-axis"
	default:
		return "unknown"
	}
}

// DisplayName is the operator-facing label of the variant.
func (v Variant) DisplayName() string {
	switch v {
	case SingleAxis:
		return "One Axis Sensor"
	case DualAxis:
		return "Two Axis Sensor"
	default:
		return "Identifying..."
	}
}

// Labels returns the names of value1 and value2 for this variant.
func (v Variant) Labels() (string, string) {
	if v == SingleAxis {
		return "Bend", "Stretch"
	}
	return "Bend Horizontal", "Bend Vertical"
}

// ParseModel maps a model string to a Variant. Trailing NULs and spaces
// some firmwares append are ignored.
func ParseModel(model string) Variant {
	switch strings.TrimRight(model, "\x00 \r\n") {
	case ModelOneAxis:
		return SingleAxis
	case ModelTwoAxis:
		return DualAxis
	default:
		return Unknown
	}
}

// InferVariant guesses the variant from the length of a telemetry payload.
func InferVariant(payloadLen int) Variant {
	switch payloadLen {
	case 4:
		return SingleAxis
	case 8:
		return DualAxis
	default:
		return Unknown
	}
}
