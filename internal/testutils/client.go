package testutils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/bendlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of device.Client. Subscribe keeps the handler
// of every accepted subscription so tests can push notifications with Notify.
type MockClient struct {
	mock.Mock

	addr         string
	mu           sync.Mutex
	handlers     map[string]device.NotificationHandler
	disconnected chan struct{}
	dropOnce     sync.Once
}

func NewMockClient(addr string) *MockClient {
	return &MockClient{
		addr:         addr,
		handlers:     make(map[string]device.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (m *MockClient) Addr() string { return m.addr }

func (m *MockClient) DiscoverProfile(force bool) (*device.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*device.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *device.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *device.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockClient) Subscribe(c *device.Characteristic, ind bool, h device.NotificationHandler) error {
	if err := m.Called(c, ind).Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[device.NormalizeUUID(c.UUID)] = h
	return nil
}

func (m *MockClient) Unsubscribe(c *device.Characteristic, ind bool) error {
	m.mu.Lock()
	delete(m.handlers, device.NormalizeUUID(c.UUID))
	m.mu.Unlock()
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) CancelConnection() error {
	err := m.Called().Error(0)
	m.Drop()
	return err
}

func (m *MockClient) Disconnected() <-chan struct{} { return m.disconnected }

// Notify delivers data to the handler subscribed on uuid. Reports whether
// a subscription existed.
func (m *MockClient) Notify(uuid string, data []byte) bool {
	m.mu.Lock()
	h := m.handlers[device.NormalizeUUID(uuid)]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether uuid currently has a handler.
func (m *MockClient) Subscribed(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[device.NormalizeUUID(uuid)]
	return ok
}

// Drop simulates the link going away.
func (m *MockClient) Drop() {
	m.dropOnce.Do(func() { close(m.disconnected) })
}

// MockDialer is a testify mock of device.Dialer.
type MockDialer struct {
	mock.Mock
}

func (m *MockDialer) Dial(ctx context.Context, addr string) (device.Client, error) {
	args := m.Called(ctx, addr)
	c, _ := args.Get(0).(device.Client)
	return c, args.Error(1)
}

// CharacteristicConfig represents a characteristic for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a service for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig represents the complete attribute table for mocking
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder builds device profiles with a fluent API.
type ProfileBuilder struct {
	config ProfileConfig
}

func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// WithService adds a service to the profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.config.Services) - 1
	b.config.Services[last].Characteristics = append(b.config.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// FromJSON fills the profile from JSON
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.config = config
	return b
}

// Config returns the configured services, values included.
func (b *ProfileBuilder) Config() ProfileConfig { return b.config }

// Build creates the profile. Characteristic values are not part of it; use
// ExpectReads to serve them.
func (b *ProfileBuilder) Build() *device.Profile {
	profile := &device.Profile{}
	for _, sc := range b.config.Services {
		svc := &device.Service{UUID: sc.UUID}
		for _, cc := range sc.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &device.Characteristic{
				UUID:     cc.UUID,
				Property: ParseProperties(cc.Properties),
			})
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile
}

// ExpectReads registers a read expectation on client for every readable
// characteristic of profile that has a configured value.
func (b *ProfileBuilder) ExpectReads(client *MockClient, profile *device.Profile) {
	for i, sc := range b.config.Services {
		for j, cc := range sc.Characteristics {
			c := profile.Services[i].Characteristics[j]
			if cc.Value != nil && c.Property.Has(device.PropRead) {
				client.On("ReadCharacteristic", c).Return(cc.Value, nil).Maybe()
			}
		}
	}
}

// ParseProperties converts "read,write,notify" into a property set. Empty
// means read, write and notify.
func ParseProperties(props string) device.Property {
	if props == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	var p device.Property
	for _, name := range strings.Split(props, ",") {
		switch strings.TrimSpace(name) {
		case "read":
			p |= device.PropRead
		case "write":
			p |= device.PropWrite
		case "write-without-response":
			p |= device.PropWriteNoResponse
		case "notify":
			p |= device.PropNotify
		case "indicate":
			p |= device.PropIndicate
		}
	}
	return p
}

const (
	// SensorServiceUUID and SensorCharUUID are the telemetry service and
	// characteristic used by the fake sensor profile.
	SensorServiceUUID = "a7ea14cf-1000-43ba-ab86-1d6e136a2e9e"
	SensorCharUUID    = "a7ea14cf-1100-43ba-ab86-1d6e136a2e9e"
)

// SensorProfile describes an evaluation kit reporting model.
func SensorProfile(model string) *ProfileBuilder {
	return CreateMockProfileFromJSON(`{
		"services": [
			{
				"uuid": "1800",
				"characteristics": [
					{ "uuid": "2a00", "properties": "read", "value": %q }
				]
			},
			{
				"uuid": "180a",
				"characteristics": [
					{ "uuid": "2a24", "properties": "read", "value": %q },
					{ "uuid": "2a29", "properties": "read" }
				]
			},
			{
				"uuid": %q,
				"characteristics": [
					{ "uuid": %q, "properties": "read,write,notify" }
				]
			}
		]
	}`, b64("ads_eval_kit"), b64(model), SensorServiceUUID, SensorCharUUID)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
