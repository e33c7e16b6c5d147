//go:build linux

package linux

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	mDNS "github.com/miekg/dns"
)

func (h *Host) dnsServers() []netip.Addr {
	servers, err := readResolvConf(h.resolvConfPath)
	if err != nil {
		h.logger.DebugContext(h.ctx, E.Cause(err, "read ", h.resolvConfPath))
		return nil
	}
	return servers
}

func readResolvConf(path string) ([]netip.Addr, error) {
	config, err := mDNS.ClientConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	var servers []netip.Addr
	for _, server := range config.Servers {
		address, err := netip.ParseAddr(server)
		if err != nil {
			continue
		}
		servers = append(servers, address.Unmap())
	}
	return servers, nil
}

func (h *Host) LocalDNSTransport() platform.LocalDNSTransport {
	return &dnsTransport{host: h}
}

var _ platform.LocalDNSTransport = (*dnsTransport)(nil)

// dnsTransport queries the servers from resolv.conf directly, re-read on
// every exchange.
type dnsTransport struct {
	host *Host
}

func (t *dnsTransport) Exchange(ctx context.Context, message *mDNS.Msg) (*mDNS.Msg, error) {
	config, err := mDNS.ClientConfigFromFile(t.host.resolvConfPath)
	if err != nil {
		return nil, err
	}
	if len(config.Servers) == 0 {
		return nil, E.New("no dns servers in ", t.host.resolvConfPath)
	}
	timeout := time.Duration(common.Max(config.Timeout, 1)) * time.Second
	client := &mDNS.Client{
		Net:     "udp",
		Timeout: timeout,
	}
	var errors []error
	for _, server := range config.Servers {
		response, _, err := client.ExchangeContext(ctx, message, net.JoinHostPort(server, config.Port))
		if err == nil {
			return response, nil
		}
		errors = append(errors, err)
	}
	return nil, E.Errors(errors...)
}
