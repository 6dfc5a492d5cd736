package device

import (
	"context"
)

// Advertisement is a single advertising report seen during a scan.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
	ManufacturerData() []byte
}

// Scanner delivers advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Dialer opens a GATT client connection to a peripheral address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Client, error)
}

// Central is a local adapter able to both scan and dial.
type Central interface {
	Scanner
	Dialer
}

// NotificationHandler receives the raw value of each notification.
type NotificationHandler func(data []byte)

// Client is a live connection to one peripheral.
type Client interface {
	Addr() string

	// DiscoverProfile lists services and characteristics. With force set the
	// transport cache is bypassed.
	DiscoverProfile(force bool) (*Profile, error)

	ReadCharacteristic(c *Characteristic) ([]byte, error)
	WriteCharacteristic(c *Characteristic, value []byte, noRsp bool) error

	// Subscribe writes the CCCD and routes values to h. ind selects indications.
	Subscribe(c *Characteristic, ind bool, h NotificationHandler) error
	Unsubscribe(c *Characteristic, ind bool) error

	CancelConnection() error

	// Disconnected is closed when the link drops. May be nil.
	Disconnected() <-chan struct{}
}

// Property is a bit set of characteristic capabilities.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

func (p Property) Has(flag Property) bool { return p&flag != 0 }

func (p Property) String() string {
	names := []struct {
		flag Property
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteNoResponse, "write-without-response"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	out := ""
	for _, n := range names {
		if p.Has(n.flag) {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	return out
}

// Characteristic is a discovered GATT characteristic. Native carries the
// transport handle and is opaque to callers.
type Characteristic struct {
	UUID     string
	Property Property
	Native   any
}

// CanNotify reports whether the characteristic advertises notify or indicate.
func (c *Characteristic) CanNotify() bool {
	return c.Property.Has(PropNotify) || c.Property.Has(PropIndicate)
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Characteristic finds a characteristic by UUID in any accepted notation.
func (s *Service) Characteristic(uuid string) *Characteristic {
	want := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if NormalizeUUID(c.UUID) == want {
			return c
		}
	}
	return nil
}

// Profile is the full attribute table of a peripheral.
type Profile struct {
	Services []*Service
}

// Service finds a service by UUID in any accepted notation.
func (p *Profile) Service(uuid string) *Service {
	if p == nil {
		return nil
	}
	want := NormalizeUUID(uuid)
	for _, s := range p.Services {
		if NormalizeUUID(s.UUID) == want {
			return s
		}
	}
	return nil
}
