package platform

import (
	"context"
	"net"
	"net/netip"

	C "github.com/sagernet/sing-vpn/constant"

	mDNS "github.com/miekg/dns"
)

// Interface is the capability contract handed to the engine. Methods past
// GetInterfaces are optional for a host and return neutral values when the
// host cannot serve them.
type Interface interface {
	AutoDetectInterfaceControl(fd int32) error
	OpenTun(options TunOptions) (int32, error)
	GetInterfaces() (NetworkInterfaceIterator, error)
	StartDefaultInterfaceMonitor(listener InterfaceUpdateListener) error
	CloseDefaultInterfaceMonitor(listener InterfaceUpdateListener) error

	LocalDNSTransport() LocalDNSTransport
	UseProcFS() bool
	FindConnectionOwner(ipProtocol int32, sourceAddress string, sourcePort int32, destinationAddress string, destinationPort int32) (int32, error)
	PackageNameByUid(uid int32) (string, error)
	UIDByPackageName(packageName string) (int32, error)
	UnderNetworkExtension() bool
	IncludeAllNetworks() bool
	ReadWIFIState() *WIFIState
	SystemCertificates() StringIterator
	ClearDNSCache()
	WriteLog(message string)
	SendNotification(notification *Notification) error
}

type InterfaceUpdateListener interface {
	UpdateDefaultInterface(interfaceName string, interfaceIndex int32, isExpensive bool, isConstrained bool)
}

type LocalDNSTransport interface {
	Exchange(ctx context.Context, message *mDNS.Msg) (*mDNS.Msg, error)
}

type NetworkInterface struct {
	Index     int32
	MTU       int32
	Name      string
	Addresses []netip.Prefix
	Flags     net.Flags

	Type       C.InterfaceType
	DNSServers []netip.Addr
	Metered    bool
}

type WIFIState struct {
	SSID  string
	BSSID string
}

type Notification struct {
	Identifier string
	TypeName   string
	TypeID     int32
	Title      string
	Subtitle   string
	Body       string
	OpenURL    string
}
