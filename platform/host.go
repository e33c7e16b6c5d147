package platform

import (
	"context"
	"net"
	"net/netip"

	C "github.com/sagernet/sing-vpn/constant"
)

// Host is the operating system side of the adapter: the VPN service, the
// connectivity manager and the interface table.
type Host interface {
	NewBuilder() VPNBuilder
	Protect(fd int32) bool
	Networks() ([]Network, error)
	Interfaces() ([]HostInterface, error)
	InterfaceMTU(name string) (int32, error)
	// DefaultNetwork returns nil when no network is active.
	DefaultNetwork() (*Network, error)
	// RegisterDefaultNetworkCallback reports every default network change,
	// with nil once the last network is lost.
	RegisterDefaultNetworkCallback(callback func(network *Network)) (unregister func(), err error)
}

type VPNBuilder interface {
	SetSession(name string) error
	SetMTU(mtu int32) error
	AddAddress(prefix netip.Prefix) error
	AddDNSServer(address netip.Addr) error
	AddRoute(prefix netip.Prefix) error
	Establish() (Tunnel, error)
}

type Tunnel interface {
	FileDescriptor() int32
	Close() error
}

type Network struct {
	ID           string
	Link         *LinkProperties
	Capabilities *NetworkCapabilities
}

type LinkProperties struct {
	InterfaceName string
	Addresses     []netip.Prefix
	DNSServers    []netip.Addr
}

type NetworkCapabilities struct {
	Transport   C.InterfaceType
	Internet    bool
	NotMetered  bool
	Constrained bool
}

type HostInterface struct {
	Name  string
	Index int
	Flags net.Flags
}

// Optional builder features.

type ExcludeRouteBuilder interface {
	ExcludeRoute(prefix netip.Prefix) error
}

type PackageFilterBuilder interface {
	AddAllowedApplication(packageName string) error
	AddDisallowedApplication(packageName string) error
}

type HTTPProxyBuilder interface {
	SetHTTPProxy(server string, port uint16, bypassDomain []string) error
}

// Optional host features.

type WIFIStateReader interface {
	ReadWIFIState() (*WIFIState, error)
}

type DNSCacheCleaner interface {
	ClearDNSCache(ctx context.Context) error
}

type CertificateProvider interface {
	SystemCertificates() ([]string, error)
}

type ConnectionOwnerFinder interface {
	FindConnectionOwner(ipProtocol int32, source netip.AddrPort, destination netip.AddrPort) (int32, error)
}

type PackageManager interface {
	PackageNameByUid(uid int32) (string, error)
	UIDByPackageName(packageName string) (int32, error)
}

type DNSTransportProvider interface {
	LocalDNSTransport() LocalDNSTransport
}

type ProcFSUser interface {
	UseProcFS() bool
}

type NotificationSender interface {
	SendNotification(ctx context.Context, notification *Notification) error
}
