//go:build linux

package linux

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sagernet/sing-tun"
	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/sys/unix"
)

var (
	_ platform.VPNBuilder          = (*tunBuilder)(nil)
	_ platform.ExcludeRouteBuilder = (*tunBuilder)(nil)
)

type tunBuilder struct {
	host          *Host
	name          string
	mtu           uint32
	addresses     []netip.Prefix
	dnsServers    []netip.Addr
	routes        []netip.Prefix
	excludeRoutes []netip.Prefix
}

func (b *tunBuilder) SetSession(name string) error {
	b.name = interfaceName(name)
	return nil
}

// interfaceName turns a session label into a usable link name, or returns
// an empty name to fall back to the next free tunN.
func interfaceName(session string) string {
	if len(session) == 0 || len(session) >= unix.IFNAMSIZ {
		return ""
	}
	for _, r := range session {
		if r <= ' ' || r == '/' || r == ':' || r > '~' {
			return ""
		}
	}
	return session
}

func (b *tunBuilder) SetMTU(mtu int32) error {
	if mtu <= 0 {
		return E.New("invalid mtu: ", mtu)
	}
	b.mtu = uint32(mtu)
	return nil
}

func (b *tunBuilder) AddAddress(prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return E.New("invalid address")
	}
	b.addresses = append(b.addresses, prefix)
	return nil
}

func (b *tunBuilder) AddDNSServer(address netip.Addr) error {
	b.dnsServers = append(b.dnsServers, address)
	return nil
}

func (b *tunBuilder) AddRoute(prefix netip.Prefix) error {
	b.routes = append(b.routes, prefix.Masked())
	return nil
}

func (b *tunBuilder) ExcludeRoute(prefix netip.Prefix) error {
	b.excludeRoutes = append(b.excludeRoutes, prefix.Masked())
	return nil
}

// tunOptions routes through a dedicated policy table, so the main table and
// its default route stay untouched for protected sockets.
func (b *tunBuilder) tunOptions(name string) tun.Options {
	return tun.Options{
		Name:                     name,
		MTU:                      b.mtu,
		Inet4Address:             common.Filter(b.addresses, isIPv4Prefix),
		Inet6Address:             common.Filter(b.addresses, isIPv6Prefix),
		AutoRoute:                len(b.routes) > 0,
		IPRoute2TableIndex:       tun.DefaultIPRoute2TableIndex,
		IPRoute2RuleIndex:        tun.DefaultIPRoute2RuleIndex,
		Inet4RouteAddress:        common.Filter(b.routes, isIPv4Prefix),
		Inet6RouteAddress:        common.Filter(b.routes, isIPv6Prefix),
		Inet4RouteExcludeAddress: common.Filter(b.excludeRoutes, isIPv4Prefix),
		Inet6RouteExcludeAddress: common.Filter(b.excludeRoutes, isIPv6Prefix),
		// link DNS goes through resolved over D-Bus instead of resolvectl
		EXP_DisableDNSHijack: true,
	}
}

func isIPv4Prefix(prefix netip.Prefix) bool {
	return prefix.Addr().Is4()
}

func isIPv6Prefix(prefix netip.Prefix) bool {
	return prefix.Addr().Is6()
}

func (b *tunBuilder) Establish() (platform.Tunnel, error) {
	interfaceMonitor, err := b.host.defaultInterfaceMonitor()
	if err != nil {
		return nil, err
	}
	tunOptions := b.tunOptions(tun.CalculateInterfaceName(b.name))
	tunOptions.InterfaceMonitor = interfaceMonitor
	tunOptions.InterfaceFinder = b.host.interfaceFinder
	tunOptions.Logger = b.host.logger
	tunInterface, err := tun.New(tunOptions)
	if err != nil {
		return nil, E.Cause(err, "create interface ", tunOptions.Name)
	}
	b.host.addTunnel(tunOptions.Name)
	tunnel := &tunnel{
		host: b.host,
		tun:  tunInterface,
		name: tunOptions.Name,
	}
	err = tunInterface.Start()
	if err != nil {
		tunnel.Close()
		return nil, E.Cause(err, "configure interface ", tunOptions.Name)
	}
	tunnel.fd, err = findTunDescriptor("/proc/self/fd", tunOptions.Name)
	if err != nil {
		tunnel.Close()
		return nil, err
	}
	if len(b.dnsServers) > 0 {
		netInterface, err := b.host.interfaceFinder.ByName(tunOptions.Name)
		if err == nil {
			tunnel.index = netInterface.Index
			ctx, cancel := context.WithTimeout(b.host.ctx, C.DBusCallTimeout)
			err = b.host.setLinkDNS(ctx, netInterface.Index, b.dnsServers)
			cancel()
		}
		if err != nil {
			b.host.logger.WarnContext(b.host.ctx, E.Cause(err, "configure dns on ", tunOptions.Name))
		}
	}
	b.host.logger.InfoContext(b.host.ctx, "created interface ", tunOptions.Name)
	return tunnel, nil
}

// findTunDescriptor locates the descriptor sing-tun opened for name. The
// engine reads packets from it directly.
func findTunDescriptor(fdPath string, name string) (int32, error) {
	entries, err := os.ReadDir(fdPath)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(fdPath, entry.Name()))
		if err != nil || target != "/dev/net/tun" {
			continue
		}
		ifr, err := unix.NewIfreq("")
		if err != nil {
			return 0, err
		}
		err = unix.IoctlIfreq(fd, unix.TUNGETIFF, ifr)
		if err == nil && ifr.Name() == name {
			return int32(fd), nil
		}
	}
	return 0, E.New("descriptor not found for ", name)
}

var _ platform.Tunnel = (*tunnel)(nil)

type tunnel struct {
	host  *Host
	tun   tun.Tun
	fd    int32
	name  string
	index int
}

func (t *tunnel) FileDescriptor() int32 {
	return t.fd
}

// Close removes the interface together with its routes and rules.
func (t *tunnel) Close() error {
	if t.index != 0 {
		ctx, cancel := context.WithTimeout(t.host.ctx, C.DBusCallTimeout)
		err := t.host.revertLink(ctx, t.index)
		cancel()
		if err != nil {
			t.host.logger.DebugContext(t.host.ctx, E.Cause(err, "revert dns on ", t.name))
		}
	}
	t.host.removeTunnel(t.name)
	return t.tun.Close()
}
