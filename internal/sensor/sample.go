package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedPayload is returned for telemetry of an unexpected length.
// Callers drop such frames.
var ErrMalformedPayload = errors.New("malformed telemetry payload")

// Sample is one decoded telemetry notification.
// SingleAxis: Value1 is bend, Value2 is stretch.
// DualAxis: Value1 is horizontal bend, Value2 is vertical bend.
type Sample struct {
	Value1    float32
	Value2    float32
	Timestamp time.Time
}

// Decode parses a little-endian telemetry payload received at ts.
//
// A 4-byte payload carries value1 only; an 8-byte payload carries both values.
// The returned variant is the known variant when it is set, otherwise the one
// inferred from the payload length.
func Decode(data []byte, known Variant, ts time.Time) (Sample, Variant, error) {
	switch len(data) {
	case 4, 8:
	default:
		return Sample{}, known, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(data))
	}

	s := Sample{
		Value1:    math.Float32frombits(binary.LittleEndian.Uint32(data[0:4])),
		Timestamp: ts,
	}
	if len(data) == 8 {
		s.Value2 = math.Float32frombits(binary.LittleEndian.Uint32(data[4:8]))
	}

	if known != Unknown {
		return s, known, nil
	}
	return s, InferVariant(len(data)), nil
}

// Encode is the inverse of Decode for an 8-byte payload.
func Encode(v1, v2 float32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(v1))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(v2))
	return buf
}
