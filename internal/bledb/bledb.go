// Package bledb names the Bluetooth SIG services, characteristics and
// descriptors a bend sensor exposes, for display and diagnostics.
package bledb

import "github.com/srg/bendlink/internal/device"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180f": "Battery Service",
	"fe59": "Nordic DFU",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
}

var descriptors = map[string]string{
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
}

func lookup(table map[string]string, uuid string) string {
	return table[device.NormalizeUUID(uuid)]
}

// LookupService returns the SIG name of a service, or "" when unknown.
func LookupService(uuid string) string { return lookup(services, uuid) }

// LookupCharacteristic returns the SIG name of a characteristic, or "" when unknown.
func LookupCharacteristic(uuid string) string { return lookup(characteristics, uuid) }

// LookupDescriptor returns the SIG name of a descriptor, or "" when unknown.
func LookupDescriptor(uuid string) string { return lookup(descriptors, uuid) }

// Label formats a service UUID for display: its SIG name when known,
// otherwise the shortened UUID.
func Label(uuid string) string {
	if name := LookupService(uuid); name != "" {
		return name
	}
	return device.ShortenUUID(device.NormalizeUUID(uuid))
}
