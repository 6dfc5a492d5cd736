package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/bendlink/internal/device"
)

var propertyMap = []struct {
	from ble.Property
	to   device.Property
}{
	{ble.CharRead, device.PropRead},
	{ble.CharWrite, device.PropWrite},
	{ble.CharWriteNR, device.PropWriteNoResponse},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
}

// convertProperty maps ble.Property bit flags to device.Property.
// Broadcast, signed-write and extended flags have no use in the pipeline.
func convertProperty(p ble.Property) device.Property {
	var out device.Property
	for _, m := range propertyMap {
		if p&m.from != 0 {
			out |= m.to
		}
	}
	return out
}

// convertProfile copies a ble.Profile into the transport-neutral form.
// Each device.Characteristic keeps its *ble.Characteristic as Native.
func convertProfile(p *ble.Profile) *device.Profile {
	out := &device.Profile{}
	if p == nil {
		return out
	}
	for _, s := range p.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(s.UUID.String())}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &device.Characteristic{
				UUID:     device.NormalizeUUID(c.UUID.String()),
				Property: convertProperty(c.Property),
				Native:   c,
			})
		}
		out.Services = append(out.Services, svc)
	}
	return out
}
