package constant

import F "github.com/sagernet/sing/common/format"

// InterfaceType classifies a host network for metering and reporting.
type InterfaceType uint8

const (
	InterfaceTypeWIFI InterfaceType = iota
	InterfaceTypeCellular
	InterfaceTypeEthernet
	InterfaceTypeOther
)

func (t InterfaceType) String() string {
	switch t {
	case InterfaceTypeWIFI:
		return "wifi"
	case InterfaceTypeCellular:
		return "cellular"
	case InterfaceTypeEthernet:
		return "ethernet"
	case InterfaceTypeOther:
		return "other"
	default:
		return F.ToString("type(", uint8(t), ")")
	}
}
