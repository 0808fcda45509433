package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/ubplink/internal/link"
)

// txPowerUnknown is what go-ble reports when the advertisement carries no TX power.
const txPowerUnknown = 127

// DeviceFromAdvertisement converts a go-ble advertisement into a link.Device.
func DeviceFromAdvertisement(adv ble.Advertisement) link.Device {
	dev := link.Device{
		ID:          adv.Addr().String(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}

	if data := adv.ManufacturerData(); len(data) > 0 {
		dev.ManufacturerData = append([]byte(nil), data...)
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnknown {
		dev.TxPower = &tx
	}
	for _, u := range adv.Services() {
		dev.Services = append(dev.Services, u.String())
	}
	return dev
}

// advertises reports whether adv lists any of the wanted services.
// An empty filter matches everything.
func advertises(adv ble.Advertisement, wanted []ble.UUID) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, list := range [][]ble.UUID{adv.Services(), adv.OverflowService()} {
		for _, have := range list {
			for _, w := range wanted {
				if have.Equal(w) {
					return true
				}
			}
		}
	}
	return false
}
