package probe

import (
	"net/netip"

	"github.com/sagernet/sing-tun"
	"github.com/sagernet/sing-vpn/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

const (
	typeTun    = "tun"
	defaultMTU = 9000
)

func parseTunInbound(configContent string) (*option.EngineInbound, error) {
	var options option.EngineOptions
	err := json.Unmarshal([]byte(configContent), &options)
	if err != nil {
		return nil, E.Cause(err, "decode config")
	}
	for i := range options.Inbounds {
		if options.Inbounds[i].Type == typeTun {
			return &options.Inbounds[i], nil
		}
	}
	return nil, E.New("missing tun inbound")
}

func isIPv4(it netip.Prefix) bool {
	return it.Addr().Is4()
}

func isIPv6(it netip.Prefix) bool {
	return it.Addr().Is6()
}

func buildTunOptions(inbound *option.EngineInbound) (*tun.Options, error) {
	options := inbound.TunInboundOptions
	if len(options.Address) == 0 {
		return nil, E.New("missing interface address")
	}
	tunMTU := options.MTU
	if tunMTU == 0 {
		tunMTU = defaultMTU
	}
	return &tun.Options{
		Name:                     options.InterfaceName,
		MTU:                      tunMTU,
		Inet4Address:             common.Filter(options.Address, isIPv4),
		Inet6Address:             common.Filter(options.Address, isIPv6),
		AutoRoute:                options.AutoRoute,
		StrictRoute:              options.StrictRoute,
		Inet4RouteAddress:        common.Filter(options.RouteAddress, isIPv4),
		Inet6RouteAddress:        common.Filter(options.RouteAddress, isIPv6),
		Inet4RouteExcludeAddress: common.Filter(options.RouteExcludeAddress, isIPv4),
		Inet6RouteExcludeAddress: common.Filter(options.RouteExcludeAddress, isIPv6),
		IncludePackage:           options.IncludePackage,
		ExcludePackage:           options.ExcludePackage,
	}, nil
}
