package platform

import (
	"net/netip"

	"github.com/sagernet/sing-tun"
	"github.com/sagernet/sing-vpn/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

// TunOptions describes the virtual interface the engine asks for.
type TunOptions interface {
	GetInet4Address() []netip.Prefix
	GetInet6Address() []netip.Prefix
	GetDNSServerAddress() (netip.Addr, error)
	GetMTU() int32
	GetAutoRoute() bool
	GetStrictRoute() bool
	GetInet4RouteAddress() []netip.Prefix
	GetInet6RouteAddress() []netip.Prefix
	GetInet4RouteExcludeAddress() []netip.Prefix
	GetInet6RouteExcludeAddress() []netip.Prefix
	GetInet4RouteRange() []netip.Prefix
	GetInet6RouteRange() []netip.Prefix
	GetIncludePackage() []string
	GetExcludePackage() []string
	// GetHTTPProxy returns nil unless a proxy is enabled.
	GetHTTPProxy() *option.HTTPProxyOptions
}

var _ TunOptions = (*tunOptions)(nil)

type tunOptions struct {
	*tun.Options
	routeRanges     []netip.Prefix
	platformOptions option.TunPlatformOptions
}

func NewTunOptions(options *tun.Options, routeRanges []netip.Prefix, platformOptions *option.TunPlatformOptions) TunOptions {
	return &tunOptions{
		Options:         options,
		routeRanges:     routeRanges,
		platformOptions: common.PtrValueOrDefault(platformOptions),
	}
}

func (o *tunOptions) GetInet4Address() []netip.Prefix {
	return o.Inet4Address
}

func (o *tunOptions) GetInet6Address() []netip.Prefix {
	return o.Inet6Address
}

// GetDNSServerAddress picks the address following the first interface address,
// which the engine hijacks for DNS.
func (o *tunOptions) GetDNSServerAddress() (netip.Addr, error) {
	if len(o.Inet4Address) > 0 {
		if o.Inet4Address[0].Bits() == 32 {
			return netip.Addr{}, E.New("need one more IPv4 address for DNS hijacking")
		}
		return o.Inet4Address[0].Addr().Next(), nil
	}
	if len(o.Inet6Address) > 0 {
		if o.Inet6Address[0].Bits() == 128 {
			return netip.Addr{}, E.New("need one more IPv6 address for DNS hijacking")
		}
		return o.Inet6Address[0].Addr().Next(), nil
	}
	return netip.Addr{}, E.New("missing interface address")
}

func (o *tunOptions) GetMTU() int32 {
	return int32(o.MTU)
}

func (o *tunOptions) GetAutoRoute() bool {
	return o.AutoRoute
}

func (o *tunOptions) GetStrictRoute() bool {
	return o.StrictRoute
}

func (o *tunOptions) GetInet4RouteAddress() []netip.Prefix {
	return o.Inet4RouteAddress
}

func (o *tunOptions) GetInet6RouteAddress() []netip.Prefix {
	return o.Inet6RouteAddress
}

func (o *tunOptions) GetInet4RouteExcludeAddress() []netip.Prefix {
	return o.Inet4RouteExcludeAddress
}

func (o *tunOptions) GetInet6RouteExcludeAddress() []netip.Prefix {
	return o.Inet6RouteExcludeAddress
}

func (o *tunOptions) GetInet4RouteRange() []netip.Prefix {
	return common.Filter(o.routeRanges, func(it netip.Prefix) bool {
		return it.Addr().Is4()
	})
}

func (o *tunOptions) GetInet6RouteRange() []netip.Prefix {
	return common.Filter(o.routeRanges, func(it netip.Prefix) bool {
		return it.Addr().Is6()
	})
}

func (o *tunOptions) GetIncludePackage() []string {
	return o.IncludePackage
}

func (o *tunOptions) GetExcludePackage() []string {
	return o.ExcludePackage
}

func (o *tunOptions) GetHTTPProxy() *option.HTTPProxyOptions {
	if o.platformOptions.HTTPProxy == nil || !o.platformOptions.HTTPProxy.Enabled {
		return nil
	}
	return o.platformOptions.HTTPProxy
}
