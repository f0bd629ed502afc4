package ble

import (
	"sync"

	"tinygo.org/x/bluetooth"
)

// serviceUUID marks pdrop advertisements so scans ignore unrelated BLE
// traffic.
var serviceUUID = bluetooth.NewUUID([16]byte{
	0x6b, 0x1d, 0x3f, 0x52, 0x8a, 0x04, 0x4c, 0x9e,
	0x9b, 0x27, 0xd1, 0x5c, 0x70, 0xd7, 0x2a, 0x41,
})

// platformRadio drives the default system adapter through
// tinygo.org/x/bluetooth. One instance owns the adapter for the life of
// its backend.
type platformRadio struct {
	adapter *bluetooth.Adapter

	mu  sync.Mutex
	adv *bluetooth.Advertisement
}

func newPlatformRadio() *platformRadio {
	return &platformRadio{adapter: bluetooth.DefaultAdapter}
}

func (r *platformRadio) Enable() error {
	return r.adapter.Enable()
}

func (r *platformRadio) CanAdvertise() bool {
	// The supported OS adapters all expose the peripheral role; on
	// hardware that rejects it the error surfaces from
	// StartAdvertising.
	return r.adapter.DefaultAdvertisement() != nil
}

func (r *platformRadio) Scan(onSighting func(Sighting)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.AdvertisementPayload.HasServiceUUID(serviceUUID) {
			return
		}
		onSighting(Sighting{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    result.RSSI,
		})
	})
}

func (r *platformRadio) StopScan() error {
	return r.adapter.StopScan()
}

func (r *platformRadio) StartAdvertising(localName string) error {
	adv := r.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}); err != nil {
		return err
	}
	if err := adv.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.adv = adv
	r.mu.Unlock()
	return nil
}

func (r *platformRadio) StopAdvertising() error {
	r.mu.Lock()
	adv := r.adv
	r.adv = nil
	r.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}
