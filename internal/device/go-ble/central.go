package goble

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/device"
)

// Central adapts a go-ble device to device.Central.
type Central struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewCentral opens the platform BLE adapter through DeviceFactory.
func NewCentral(logger *logrus.Logger) (*Central, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	return &Central{dev: dev, logger: logger}, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	err := c.dev.Scan(ctx, allowDup, bleHandler)
	if err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Dial connects to the peripheral at addr. The deadline of ctx bounds the attempt.
func (c *Central) Dial(ctx context.Context, addr string) (device.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	c.logger.WithField("address", addr).Debug("Dialing BLE device...")
	cln, err := c.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": addr,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		return nil, NormalizeError(err)
	}
	return &client{cln: cln, logger: c.logger}, nil
}

// Stop releases the adapter.
func (c *Central) Stop() error {
	return c.dev.Stop()
}
