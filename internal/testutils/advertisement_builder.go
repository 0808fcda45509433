package testutils

import (
	"github.com/go-ble/ble"
)

// Advertisement is a static ble.Advertisement for tests.
type Advertisement struct {
	name        string
	addr        ble.Addr
	rssi        int
	services    []ble.UUID
	overflow    []ble.UUID
	manufData   []byte
	serviceData []ble.ServiceData
	txPower     int
	connectable bool
}

func (a *Advertisement) LocalName() string              { return a.name }
func (a *Advertisement) ManufacturerData() []byte       { return a.manufData }
func (a *Advertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *Advertisement) Services() []ble.UUID           { return a.services }
func (a *Advertisement) OverflowService() []ble.UUID    { return a.overflow }
func (a *Advertisement) TxPowerLevel() int              { return a.txPower }
func (a *Advertisement) Connectable() bool              { return a.connectable }
func (a *Advertisement) SolicitedService() []ble.UUID   { return nil }
func (a *Advertisement) RSSI() int                      { return a.rssi }
func (a *Advertisement) Addr() ble.Addr                 { return a.addr }

// AdvertisementBuilder builds advertisements with a fluent API.
// Unset TX power is reported as 127, the value go-ble uses for "absent".
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder starts a connectable advertisement from address.
func NewAdvertisementBuilder(address string) *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{
		addr:        ble.NewAddr(address),
		rssi:        -50,
		txPower:     127,
		connectable: true,
	}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs, in short ("2220") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.services = append(b.adv.services, ble.MustParse(u))
	}
	return b
}

// WithOverflowServices adds UUIDs to the overflow area.
func (b *AdvertisementBuilder) WithOverflowServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.overflow = append(b.adv.overflow, ble.MustParse(u))
	}
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufData = data
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.serviceData = append(b.adv.serviceData, ble.ServiceData{UUID: ble.MustParse(uuid), Data: data})
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.txPower = power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	return &adv
}
