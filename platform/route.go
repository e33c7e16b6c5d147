package platform

import (
	"net/netip"

	"go4.org/netipx"
)

var (
	inet4DefaultRoute = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	inet6DefaultRoute = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
)

type familyRoutes struct {
	include []netip.Prefix
	exclude []netip.Prefix
}

// resolveRoutes applies the route policy per address family: explicit route
// ranges, then route addresses, then the family default route. A family
// without interface addresses gets no routes.
func resolveRoutes(options TunOptions) (inet4 familyRoutes, inet6 familyRoutes) {
	if len(options.GetInet4Address()) > 0 {
		inet4.include = firstNonEmpty(options.GetInet4RouteRange(), options.GetInet4RouteAddress(), []netip.Prefix{inet4DefaultRoute})
		inet4.exclude = options.GetInet4RouteExcludeAddress()
	}
	if len(options.GetInet6Address()) > 0 {
		inet6.include = firstNonEmpty(options.GetInet6RouteRange(), options.GetInet6RouteAddress(), []netip.Prefix{inet6DefaultRoute})
		inet6.exclude = options.GetInet6RouteExcludeAddress()
	}
	return
}

func firstNonEmpty(sources ...[]netip.Prefix) []netip.Prefix {
	for _, source := range sources {
		if len(source) > 0 {
			return source
		}
	}
	return nil
}

// subtractPrefixes removes exclude from include for builders that cannot
// express excluded routes.
func subtractPrefixes(include []netip.Prefix, exclude []netip.Prefix) ([]netip.Prefix, error) {
	if len(exclude) == 0 {
		return include, nil
	}
	var builder netipx.IPSetBuilder
	for _, prefix := range include {
		builder.AddPrefix(prefix)
	}
	for _, prefix := range exclude {
		builder.RemovePrefix(prefix)
	}
	ipSet, err := builder.IPSet()
	if err != nil {
		return nil, err
	}
	return ipSet.Prefixes(), nil
}
