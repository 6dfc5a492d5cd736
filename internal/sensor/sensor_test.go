package sensor_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/srg/bendlink/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float4(v float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

func TestDecode(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		data        []byte
		known       sensor.Variant
		wantV1      float32
		wantV2      float32
		wantVariant sensor.Variant
		wantErr     bool
	}{
		{
			name:        "4 bytes infers single axis",
			data:        float4(12.5),
			wantV1:      12.5,
			wantVariant: sensor.SingleAxis,
		},
		{
			name:        "8 bytes infers dual axis",
			data:        sensor.Encode(1.25, -3.5),
			wantV1:      1.25,
			wantV2:      -3.5,
			wantVariant: sensor.DualAxis,
		},
		{
			name:        "8 bytes keeps known single axis",
			data:        sensor.Encode(45, 2),
			known:       sensor.SingleAxis,
			wantV1:      45,
			wantV2:      2,
			wantVariant: sensor.SingleAxis,
		},
		{
			name:        "4 bytes keeps known dual axis",
			data:        float4(7),
			known:       sensor.DualAxis,
			wantV1:      7,
			wantVariant: sensor.DualAxis,
		},
		{name: "6 bytes is malformed", data: make([]byte, 6), wantErr: true},
		{name: "empty is malformed", data: nil, wantErr: true},
		{name: "16 bytes is malformed", data: make([]byte, 16), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, v, err := sensor.Decode(tt.data, tt.known, ts)
			if tt.wantErr {
				require.ErrorIs(t, err, sensor.ErrMalformedPayload, "MUST reject payload of %d bytes", len(tt.data))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantV1, s.Value1, "value1 MUST decode little-endian")
			assert.Equal(t, tt.wantV2, s.Value2, "value2 MUST decode little-endian or be zero")
			assert.Equal(t, tt.wantVariant, v)
			assert.Equal(t, ts, s.Timestamp)
		})
	}
}

func TestParseModel(t *testing.T) {
	assert.Equal(t, sensor.SingleAxis, sensor.ParseModel("ADS_ONE_AXIS"))
	assert.Equal(t, sensor.DualAxis, sensor.ParseModel("ADS_TWO_AXIS\x00"))
	assert.Equal(t, sensor.Unknown, sensor.ParseModel("ads_one_axis"), "model match MUST be exact")
	assert.Equal(t, sensor.Unknown, sensor.ParseModel(""))
}

func TestCommands(t *testing.T) {
	cmd, err := sensor.ParseCommand("READ_STRETCH")
	require.NoError(t, err)
	assert.Equal(t, sensor.CmdReadStretch, cmd)
	assert.Equal(t, byte(8), byte(cmd))

	_, err = sensor.ParseCommand("warp")
	assert.Error(t, err)

	assert.Equal(t, []byte{10}, sensor.Frame(sensor.CmdGetDeviceID))
	assert.Equal(t, []byte{7, 5}, sensor.Frame(sensor.CmdCalibrate, byte(sensor.StepStretch30mm)))
	assert.Len(t, sensor.Commands(), 11)
	assert.Equal(t, "run", sensor.Commands()[0])
}

func TestPayloads(t *testing.T) {
	assert.Equal(t, []byte{1, 0x80}, sensor.StretchPayload(true))
	assert.Equal(t, []byte{0, 0x80}, sensor.StretchPayload(false))
	assert.Equal(t, []byte{3}, sensor.CalibrationPayload(sensor.StepClear))
	assert.Equal(t, sensor.StepBend90, sensor.StepHorizontal90)
}
