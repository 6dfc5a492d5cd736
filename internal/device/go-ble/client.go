package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/device"
)

// client adapts ble.Client to device.Client.
type client struct {
	cln    ble.Client
	logger *logrus.Logger
}

func (c *client) Addr() string { return c.cln.Addr().String() }

func (c *client) DiscoverProfile(force bool) (*device.Profile, error) {
	p, err := c.cln.DiscoverProfile(force)
	if err != nil {
		return nil, NormalizeError(err)
	}
	profile := convertProfile(p)
	c.logger.WithFields(logrus.Fields{
		"address":  c.Addr(),
		"services": len(profile.Services),
	}).Debug("Profile discovered successfully")
	return profile, nil
}

func (c *client) ReadCharacteristic(ch *device.Characteristic) ([]byte, error) {
	native, err := nativeOf(ch)
	if err != nil {
		return nil, err
	}
	data, err := c.cln.ReadCharacteristic(native)
	return data, NormalizeError(err)
}

func (c *client) WriteCharacteristic(ch *device.Characteristic, value []byte, noRsp bool) error {
	native, err := nativeOf(ch)
	if err != nil {
		return err
	}
	return NormalizeError(c.cln.WriteCharacteristic(native, value, noRsp))
}

func (c *client) Subscribe(ch *device.Characteristic, ind bool, h device.NotificationHandler) error {
	native, err := nativeOf(ch)
	if err != nil {
		return err
	}
	return NormalizeError(c.cln.Subscribe(native, ind, func(data []byte) { h(data) }))
}

func (c *client) Unsubscribe(ch *device.Characteristic, ind bool) error {
	native, err := nativeOf(ch)
	if err != nil {
		return err
	}
	return NormalizeError(c.cln.Unsubscribe(native, ind))
}

func (c *client) CancelConnection() error {
	return NormalizeError(c.cln.CancelConnection())
}

func (c *client) Disconnected() <-chan struct{} {
	return c.cln.Disconnected()
}

func nativeOf(ch *device.Characteristic) (*ble.Characteristic, error) {
	if ch == nil {
		return nil, fmt.Errorf("characteristic is nil")
	}
	native, ok := ch.Native.(*ble.Characteristic)
	if !ok || native == nil {
		return nil, fmt.Errorf("characteristic %s was not discovered by this backend", ch.UUID)
	}
	return native, nil
}
