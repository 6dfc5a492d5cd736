package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/calibration"
	"github.com/srg/bendlink/internal/datalog"
	"github.com/srg/bendlink/internal/device"
	"github.com/srg/bendlink/internal/registry"
	"github.com/srg/bendlink/internal/sensor"
	"github.com/srg/bendlink/internal/session"
	"github.com/srg/bendlink/internal/testutils"
	"github.com/srg/bendlink/internal/ui"
	"github.com/srg/bendlink/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testSensorAddr = "00:00:00:00:00:01"
	testOtherAddr  = "00:00:00:00:00:02"
)

// syncBuffer is a bytes.Buffer safe for the loop and progress goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeCentral scans from a script and dials through a mock.
type fakeCentral struct {
	*testutils.FakeScanner
	*testutils.MockDialer
}

// CommandTestSuite runs commands against a fake central holding one sensor.
type CommandTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	central   *fakeCentral
	client    *testutils.MockClient
	profile   *device.Profile
	telemetry *device.Characteristic

	originalFactory func(*logrus.Logger) (device.Central, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())

	sensorAd := testutils.CreateMockAdvertisement("ads_eval_kit", testSensorAddr, -55).Build()
	otherAd := testutils.CreateMockAdvertisement("headphones", testOtherAddr, -70).Build()
	s.central = &fakeCentral{
		FakeScanner: testutils.NewFakeScanner(sensorAd, otherAd),
		MockDialer:  &testutils.MockDialer{},
	}

	s.client = testutils.NewMockClient(testSensorAddr)
	b := testutils.SensorProfile(sensor.ModelOneAxis)
	s.profile = b.Build()
	b.ExpectReads(s.client, s.profile)
	s.telemetry = s.profile.Service(testutils.SensorServiceUUID).Characteristic(testutils.SensorCharUUID)

	s.originalFactory = centralFactory
	centralFactory = func(*logrus.Logger) (device.Central, error) {
		return s.central, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	centralFactory = s.originalFactory
}

func (s *CommandTestSuite) expectConnect() {
	s.central.MockDialer.On("Dial", mock.Anything, testSensorAddr).Return(s.client, nil)
	s.client.On("DiscoverProfile", true).Return(s.profile, nil)
	s.client.On("CancelConnection").Return(nil)
	s.client.On("Unsubscribe", s.telemetry, false).Return(nil).Maybe()
}

// execute runs the root command with args and returns its output.
func (s *CommandTestSuite) execute(args ...string) (string, error) {
	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (s *CommandTestSuite) TestScanListsOnlySensors() {
	// GOAL: Verify scan prints matching sensors and hides other peripherals
	//
	// TEST SCENARIO: Eval kit and headphones advertise → table lists only the eval kit

	out, err := s.execute("scan", "--duration", "50ms")
	s.Require().NoError(err)

	s.Assert().Contains(out, "NAME")
	s.Assert().Contains(out, testSensorAddr)
	s.Assert().NotContains(out, testOtherAddr, "non-sensor peripherals MUST be filtered")
	s.Assert().Contains(out, "1 sensor(s) found")
}

func (s *CommandTestSuite) TestScanAllJSON() {
	out, err := s.execute("scan", "--duration", "50ms", "--all", "--format", "json")
	s.Require().NoError(err)

	s.Assert().Contains(out, `"address": "`+testSensorAddr+`"`)
	s.Assert().Contains(out, `"address": "`+testOtherAddr+`"`, "--all MUST include every peripheral")
	s.Assert().Contains(out, `"rssi": -55`)
}

func (s *CommandTestSuite) TestScanRejectsUnknownFormat() {
	_, err := s.execute("scan", "--format", "xml")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "invalid format 'xml'")
	s.Assert().Zero(s.central.Scans(), "MUST fail before scanning")
}

func (s *CommandTestSuite) TestScanFailure() {
	s.central.FakeScanner.WithError(device.ErrBluetoothOff)

	_, err := s.execute("scan", "--duration", "50ms")
	s.Require().Error(err)
	s.Assert().Equal("Bluetooth radio is not on.", FormatUserError(err))
}

func (s *CommandTestSuite) TestCommandSendsFrame() {
	// GOAL: Verify a raw command is framed and written to the sensor
	//
	// TEST SCENARIO: read-stretch on → connect, resolve, write [01 80], release

	s.expectConnect()
	s.client.On("WriteCharacteristic", s.telemetry, []byte{0x01, 0x80}, false).Return(nil).Once()

	out, err := s.execute("command", "read-stretch", "on", "--address", testSensorAddr)
	s.Require().NoError(err)

	s.Assert().Contains(out, "Sent read-stretch (01 80)")
	s.client.AssertExpectations(s.T())
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	s.Assert().Zero(s.central.Scans(), "an explicit address MUST skip scanning")
}

func (s *CommandTestSuite) TestCommandDiscoversSensor() {
	s.expectConnect()
	s.client.On("WriteCharacteristic", s.telemetry, []byte{byte(sensor.CmdReset)}, false).Return(nil).Once()

	out, err := s.execute("command", "reset")
	s.Require().NoError(err)
	s.Assert().Contains(out, "Using sensor "+testSensorAddr)
	s.Assert().Equal(1, s.central.Scans())
}

func (s *CommandTestSuite) TestCommandWriteRejected() {
	s.expectConnect()
	s.client.On("WriteCharacteristic", s.telemetry, mock.Anything, false).Return(errors.New("busy")).Once()

	_, err := s.execute("command", "sps", "0a", "--address", testSensorAddr)
	s.Require().Error(err)
	s.Assert().ErrorIs(err, device.ErrWriteRejected)
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}

func (s *CommandTestSuite) TestStreamEndsOnConnectionLost() {
	// GOAL: Verify stream prints readings and fails with connection lost when the link drops
	//
	// TEST SCENARIO: Stream starts → one notification → link drops → command returns ErrConnectionLost

	s.expectConnect()
	s.client.On("Subscribe", s.telemetry, false).Return(nil).Once()

	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"stream", testSensorAddr})

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	s.Require().Eventually(func() bool {
		return s.client.Subscribed(testutils.SensorCharUUID)
	}, 2*time.Second, 5*time.Millisecond, "stream MUST subscribe")

	s.Require().True(s.client.Notify(testutils.SensorCharUUID, sensor.Encode(12.5, 3)))
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "12.50°")
	}, 2*time.Second, 5*time.Millisecond, "reading MUST be printed")

	s.client.Drop()

	select {
	case err := <-done:
		s.Require().ErrorIs(err, session.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		s.FailNow("stream MUST return after the link drops")
	}
	s.Assert().Contains(out.String(), "Found ADS_ONE_AXIS sensor.")
	s.Assert().Contains(out.String(), "Connection lost")
}

func (s *CommandTestSuite) TestStreamWithStretch() {
	// GOAL: Verify --stretch turns stretch readings on and the console then prints them
	//
	// TEST SCENARIO: One axis sensor, stream --stretch → writes [01 80] → notification prints Bend and Stretch

	s.expectConnect()
	s.client.On("Subscribe", s.telemetry, false).Return(nil).Once()
	s.client.On("WriteCharacteristic", s.telemetry, sensor.StretchPayload(true), false).Return(nil).Once()

	out := &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"stream", testSensorAddr, "--stretch"})

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "Stretch mode enabled")
	}, 2*time.Second, 5*time.Millisecond, "stream MUST enable stretch readings")

	s.Require().True(s.client.Notify(testutils.SensorCharUUID, sensor.Encode(12.5, 3)))
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "Stretch:     3.00")
	}, 2*time.Second, 5*time.Millisecond, "stretch reading MUST be printed")

	s.client.Drop()
	select {
	case err := <-done:
		s.Require().ErrorIs(err, session.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		s.FailNow("stream MUST return after the link drops")
	}
	s.Assert().Contains(out.String(), "Bend:    12.50°")
}

func (s *CommandTestSuite) TestLogHeaderFollowsInferredVariant() {
	// GOAL: Verify a log started before the sensor is identified gets the header of the variant inferred from telemetry
	//
	// TEST SCENARIO: Unknown model → start logging → block the loop until a tick queues → 4-byte notification → release → header is Bend,Stretch

	s.client = testutils.NewMockClient(testSensorAddr)
	b := testutils.SensorProfile("SOMETHING_ELSE")
	s.profile = b.Build()
	b.ExpectReads(s.client, s.profile)
	s.telemetry = s.profile.Service(testutils.SensorServiceUUID).Characteristic(testutils.SensorCharUUID)
	s.expectConnect()
	s.client.On("Subscribe", s.telemetry, false).Return(nil).Once()

	cfg := config.DefaultConfig()
	cfg.DataLog.Dir = s.T().TempDir()
	a := &app{cfg: cfg, logger: s.helper.Logger, central: s.central, out: io.Discard}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := a.newStream(ctx, ui.NewConsoleView(io.Discard))
	defer st.Close()

	s.Require().NoError(st.Start(ctx, testSensorAddr))
	s.Require().Equal(sensor.Unknown, st.session.Variant(), "model MUST NOT identify the sensor")
	s.Require().NoError(st.StartLogging())

	release := make(chan struct{})
	s.Require().True(st.loop.Post(func() { <-release }))
	time.Sleep(4 * cfg.Telemetry.Tick)
	s.Require().True(s.client.Notify(testutils.SensorCharUUID, make([]byte, 4)))
	close(release)

	s.Require().Eventually(func() bool {
		return st.datalog.Path() != ""
	}, 2*time.Second, 5*time.Millisecond, "first sample MUST open a log file")
	s.Require().NoError(st.StopLogging(ctx))

	files := st.datalog.Files()
	s.Require().Len(files, 1)
	data, err := os.ReadFile(files[0])
	s.Require().NoError(err)
	s.Assert().Equal(sensor.SingleAxis, st.session.Variant())
	s.Assert().True(strings.HasPrefix(string(data), "Bend,Stretch,Unix Time,Local Time\n"),
		"header MUST match the inferred variant, got %q", string(data))
}

func (s *CommandTestSuite) TestCalibrateBend() {
	// GOAL: Verify the bend wizard writes both reference positions in order
	//
	// TEST SCENARIO: One axis sensor, --yes --no-countdown → writes [00] then [01] → completion shown

	s.expectConnect()
	s.client.On("Subscribe", s.telemetry, false).Return(nil).Once()
	flat := s.client.On("WriteCharacteristic", s.telemetry, []byte{byte(sensor.StepFlat)}, false).Return(nil).Once()
	s.client.On("WriteCharacteristic", s.telemetry, []byte{byte(sensor.StepBend90)}, false).Return(nil).Once().NotBefore(flat)

	out, err := s.execute("calibrate", testSensorAddr, "--type", "bend", "--yes", "--no-countdown")
	s.Require().NoError(err)

	s.Assert().Contains(out, "Flat")
	s.Assert().Contains(out, "Bend Perpendicular")
	s.Assert().Contains(out, "Complete!")
	s.client.AssertExpectations(s.T())
}

func (s *CommandTestSuite) TestCalibrateTwoAxisOnOneAxisSensor() {
	s.expectConnect()
	s.client.On("Subscribe", s.telemetry, false).Return(nil).Once()

	_, err := s.execute("calibrate", testSensorAddr, "--type", "two-axis", "--yes")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "needs a two axis sensor")
	s.client.AssertNotCalled(s.T(), "WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything)
}

func (s *CommandTestSuite) TestCalibrateRejectsUnknownType() {
	_, err := s.execute("calibrate", "--type", "twist")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "invalid calibration type 'twist'")
}

func (s *CommandTestSuite) TestResolveAddress() {
	a := &app{
		cfg:     config.DefaultConfig(),
		logger:  s.helper.Logger,
		central: s.central,
		out:     io.Discard,
	}
	ctx := context.Background()

	addr, err := a.resolveAddress(ctx, "AA:BB")
	s.Require().NoError(err)
	s.Assert().Equal("AA:BB", addr, "explicit address MUST win")

	a.cfg.Sensor.Address = "CC:DD"
	addr, err = a.resolveAddress(ctx, "")
	s.Require().NoError(err)
	s.Assert().Equal("CC:DD", addr, "configured address MUST win over scanning")

	a.cfg.Sensor.Address = ""
	a.cfg.Discovery.Duration = 50 * time.Millisecond
	addr, err = a.resolveAddress(ctx, "")
	s.Require().NoError(err)
	s.Assert().Equal(testSensorAddr, addr)

	a.cfg.Discovery.Name = "someone_else"
	_, err = a.resolveAddress(ctx, "")
	s.Assert().ErrorIs(err, ErrNoSensor)
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "bluetooth off wrapped in connect failure",
			err:  &device.Error{Kind: device.ConnectionUnavailable, Op: "connect", Err: device.ErrBluetoothOff},
			want: "Bluetooth radio is not on.",
		},
		{
			name: "connection lost",
			err:  session.ErrConnectionLost,
			want: "connection to the sensor was lost",
		},
		{
			name: "storage unavailable",
			err:  datalog.ErrStorageUnavailable,
			want: "no writable folder for data logs; set datalog.dir in the config file",
		},
		{
			name: "calibration busy",
			err:  calibration.ErrBusy,
			want: "a calibration step is already running",
		},
		{
			name: "timeout",
			err:  context.DeadlineExceeded,
			want: "operation timed out",
		},
		{
			name: "anything else",
			err:  errors.New("boom"),
			want: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
	assert.Empty(t, FormatUserError(nil))
}

func TestCommandFrame(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		payload string
		want    []byte
		wantErr string
	}{
		{name: "stretch on", cmd: "read-stretch", payload: "on", want: []byte{0x01, 0x80}},
		{name: "stretch off", cmd: "read_stretch", payload: "OFF", want: []byte{0x00, 0x80}},
		{name: "no payload", cmd: "reset", want: []byte{byte(sensor.CmdReset)}},
		{name: "hex payload", cmd: "sps", payload: "0x0a 00", want: []byte{byte(sensor.CmdSPS), 0x0a, 0x00}},
		{name: "unknown command", cmd: "explode", wantErr: "unknown command"},
		{name: "bad hex", cmd: "sps", payload: "zz", wantErr: "invalid hex data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commandFrame(tt.cmd, tt.payload)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteScanTable(t *testing.T) {
	now := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	err := writeScanTable(&out, []registry.Peripheral{{
		ID:       testSensorAddr,
		Name:     "ads_eval_kit",
		RSSI:     -61,
		Services: []string{"180a", testutils.SensorServiceUUID},
		LastSeen: now.Add(-3 * time.Second),
	}}, now)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "Device Information,a7ea14cf", "known services MUST be named, others shortened")
	assert.Contains(t, s, "3s ago")
	assert.Contains(t, s, "1 sensor(s) found")

	out.Reset()
	require.NoError(t, writeScanTable(&out, nil, now))
	assert.Equal(t, "No sensors found.\n", out.String())
}

func TestProgressPrinter(t *testing.T) {
	t.Run("stop before start only clears the line", func(t *testing.T) {
		var out bytes.Buffer
		p := NewProgressPrinter(&out, "Connecting", "Dialing")
		p.Stop()
		p.Stop()
		assert.Equal(t, clearLineSequence, out.String())
	})

	t.Run("stop phase ends the display", func(t *testing.T) {
		out := &syncBuffer{}
		p := NewCountdownProgressPrinter(out, "Scanning", "Scanning", 3*time.Second, "Done")
		p.Start()
		p.Callback()("Done")

		s := out.String()
		assert.True(t, strings.HasPrefix(s, "\rScanning (Scanning...)"), "first frame MUST show the phase")
		assert.True(t, strings.HasSuffix(s, clearLineSequence), "stopping MUST clear the line")
	})

	t.Run("double start panics", func(t *testing.T) {
		p := NewProgressPrinter(io.Discard, "x", "y")
		p.Start()
		defer p.Stop()
		assert.Panics(t, p.Start)
	})
}
