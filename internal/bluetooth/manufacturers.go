package bluetooth

// Vendor describes a Bluetooth SIG company identifier.
type Vendor struct {
	Name  string
	Audio bool // known to ship portable speakers
}

// LookupVendor returns the vendor for a Bluetooth SIG company ID.
// See: https://www.bluetooth.com/specifications/assigned-numbers/
func LookupVendor(companyID uint16) (Vendor, bool) {
	v, ok := vendors[companyID]
	return v, ok
}

var vendors = map[uint16]Vendor{
	0x0087: {"Bose", true},
	0x012D: {"Sony", true},
	0x0131: {"JBL", true},
	0x00E3: {"Harman", true},
	0x0988: {"Sonos", true},
	0x02A9: {"Anker", true},
	0x0075: {"Samsung", true},
	0x0047: {"Plantronics", true},
	0x01DA: {"Jabra", true},
	0x0246: {"Logitech", true},
	0x004C: {"Apple", false},
	0x0006: {"Microsoft", false},
	0x00E0: {"Google", false},
	0x0310: {"Xiaomi", false},
	0x0157: {"Huawei", false},
	0x000F: {"Broadcom", false},
	0x000A: {"Qualcomm", false},
	0x00AA: {"Realtek", false},
	0x015D: {"Espressif", false},
}
