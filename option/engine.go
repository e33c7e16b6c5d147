package option

import (
	"net/netip"

	"github.com/sagernet/sing/common/json/badoption"
)

// EngineOptions is the subset of the engine configuration document the bridge
// inspects. Unknown fields are ignored; the document is handed to the engine
// verbatim.
type EngineOptions struct {
	Log      *LogOptions     `json:"log,omitempty"`
	Inbounds []EngineInbound `json:"inbounds,omitempty"`
}

type EngineInbound struct {
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
	TunInboundOptions
}

type TunInboundOptions struct {
	InterfaceName       string                           `json:"interface_name,omitempty"`
	MTU                 uint32                           `json:"mtu,omitempty"`
	Address             badoption.Listable[netip.Prefix] `json:"address,omitempty"`
	AutoRoute           bool                             `json:"auto_route,omitempty"`
	StrictRoute         bool                             `json:"strict_route,omitempty"`
	RouteAddress        badoption.Listable[netip.Prefix] `json:"route_address,omitempty"`
	RouteExcludeAddress badoption.Listable[netip.Prefix] `json:"route_exclude_address,omitempty"`
	IncludePackage      badoption.Listable[string]       `json:"include_package,omitempty"`
	ExcludePackage      badoption.Listable[string]       `json:"exclude_package,omitempty"`
	Platform            *TunPlatformOptions              `json:"platform,omitempty"`
}

type TunPlatformOptions struct {
	HTTPProxy *HTTPProxyOptions `json:"http_proxy,omitempty"`
}

type HTTPProxyOptions struct {
	Enabled      bool                       `json:"enabled,omitempty"`
	Server       string                     `json:"server,omitempty"`
	ServerPort   uint16                     `json:"server_port,omitempty"`
	BypassDomain badoption.Listable[string] `json:"bypass_domain,omitempty"`
	MatchDomain  badoption.Listable[string] `json:"match_domain,omitempty"`
}
