package link

import "fmt"

// Device is a peripheral seen during a scan window.
type Device struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	RSSI             int      `json:"rssi"`
	TxPower          *int     `json:"tx_power,omitempty"`
	Connectable      bool     `json:"connectable"`
	Services         []string `json:"services,omitempty"`
	ManufacturerData []byte   `json:"manufacturer_data,omitempty"`
}

// DisplayName returns the advertised name, falling back to the ID.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func (d Device) String() string {
	return fmt.Sprintf("%s [%s] rssi=%d", d.DisplayName(), d.ID, d.RSSI)
}
