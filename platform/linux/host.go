//go:build linux

package linux

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sagernet/sing-tun"
	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/control"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing/common/rw"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

type HostOptions struct {
	Context         context.Context
	Logger          log.ContextLogger
	ResolvConfPath  string
	SysClassNetPath string
	ProcStatusPath  string
	AppName         string
}

var (
	_ platform.Host                 = (*Host)(nil)
	_ platform.DNSCacheCleaner      = (*Host)(nil)
	_ platform.WIFIStateReader      = (*Host)(nil)
	_ platform.CertificateProvider  = (*Host)(nil)
	_ platform.DNSTransportProvider = (*Host)(nil)
	_ platform.ProcFSUser           = (*Host)(nil)
	_ platform.NotificationSender   = (*Host)(nil)
)

type Host struct {
	ctx             context.Context
	logger          log.ContextLogger
	resolvConfPath  string
	sysClassNetPath string
	procStatusPath  string
	appName         string
	interfaceFinder *control.DefaultInterfaceFinder

	access           sync.Mutex
	tunnels          map[string]struct{}
	notificationID   uint32
	networkMonitor   tun.NetworkUpdateMonitor
	interfaceMonitor tun.DefaultInterfaceMonitor
}

func NewHost(options HostOptions) (*Host, error) {
	host := &Host{
		ctx:             options.Context,
		logger:          options.Logger,
		resolvConfPath:  options.ResolvConfPath,
		sysClassNetPath: options.SysClassNetPath,
		procStatusPath:  options.ProcStatusPath,
		appName:         options.AppName,
		interfaceFinder: control.NewDefaultInterfaceFinder(),
		tunnels:         make(map[string]struct{}),
	}
	if host.ctx == nil {
		host.ctx = context.Background()
	}
	if host.logger == nil {
		host.logger = log.NewNOPFactory().Logger()
	}
	if host.resolvConfPath == "" {
		host.resolvConfPath = "/etc/resolv.conf"
	}
	if host.sysClassNetPath == "" {
		host.sysClassNetPath = "/sys/class/net"
	}
	if host.procStatusPath == "" {
		host.procStatusPath = "/proc/self/status"
	}
	if host.appName == "" {
		host.appName = "sing-vpn"
	}
	if !rw.IsDir(host.sysClassNetPath) {
		return nil, E.New("missing ", host.sysClassNetPath)
	}
	return host, nil
}

func (h *Host) NewBuilder() platform.VPNBuilder {
	return &tunBuilder{host: h}
}

// Protect binds the socket to the current default interface so its traffic
// bypasses the tunnel routes.
func (h *Host) Protect(fd int32) bool {
	network, err := h.DefaultNetwork()
	if err != nil {
		h.logger.DebugContext(h.ctx, E.Cause(err, "find default interface"))
		return false
	}
	if network == nil {
		return false
	}
	err = unix.BindToDevice(int(fd), network.Link.InterfaceName)
	if err != nil {
		h.logger.DebugContext(h.ctx, E.Cause(err, "bind socket to ", network.Link.InterfaceName))
		return false
	}
	return true
}

func (h *Host) Networks() ([]platform.Network, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	dnsServers := h.dnsServers()
	var networks []platform.Network
	for _, netInterface := range interfaces {
		if netInterface.Flags&net.FlagLoopback != 0 || netInterface.Flags&net.FlagUp == 0 {
			continue
		}
		if h.isTunnel(netInterface.Name) {
			continue
		}
		networks = append(networks, h.network(netInterface, dnsServers))
	}
	return networks, nil
}

func (h *Host) network(netInterface net.Interface, dnsServers []netip.Addr) platform.Network {
	addresses := interfaceAddresses(netInterface)
	transport := interfaceType(h.sysClassNetPath, netInterface.Name)
	return platform.Network{
		ID: netInterface.Name,
		Link: &platform.LinkProperties{
			InterfaceName: netInterface.Name,
			Addresses:     addresses,
			DNSServers:    dnsServers,
		},
		Capabilities: &platform.NetworkCapabilities{
			Transport: transport,
			Internet: netInterface.Flags&net.FlagRunning != 0 && common.Any(addresses, func(it netip.Prefix) bool {
				return it.Addr().IsGlobalUnicast()
			}),
			NotMetered: transport != C.InterfaceTypeCellular,
		},
	}
}

func interfaceAddresses(netInterface net.Interface) []netip.Prefix {
	netAddresses, err := netInterface.Addrs()
	if err != nil {
		return nil
	}
	return common.Map(common.FilterIsInstance(netAddresses, func(it net.Addr) (*net.IPNet, bool) {
		value, loaded := it.(*net.IPNet)
		return value, loaded
	}), func(it *net.IPNet) netip.Prefix {
		bits, _ := it.Mask.Size()
		return netip.PrefixFrom(M.AddrFromIP(it.IP), bits)
	})
}

// interfaceType classifies a link using sysfs.
func interfaceType(sysClassNetPath string, name string) C.InterfaceType {
	linkPath := filepath.Join(sysClassNetPath, name)
	uevent, _ := os.ReadFile(filepath.Join(linkPath, "uevent"))
	for _, line := range strings.Split(string(uevent), "\n") {
		switch strings.TrimSpace(line) {
		case "DEVTYPE=wlan":
			return C.InterfaceTypeWIFI
		case "DEVTYPE=wwan":
			return C.InterfaceTypeCellular
		}
	}
	if rw.IsDir(filepath.Join(linkPath, "wireless")) || rw.FileExists(filepath.Join(linkPath, "phy80211")) {
		return C.InterfaceTypeWIFI
	}
	linkType, _ := os.ReadFile(filepath.Join(linkPath, "type"))
	if strings.TrimSpace(string(linkType)) == "1" && rw.FileExists(filepath.Join(linkPath, "device")) {
		return C.InterfaceTypeEthernet
	}
	return C.InterfaceTypeOther
}

func (h *Host) Interfaces() ([]platform.HostInterface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return common.Map(interfaces, func(it net.Interface) platform.HostInterface {
		return platform.HostInterface{
			Name:  it.Name,
			Index: it.Index,
			Flags: it.Flags,
		}
	}), nil
}

func (h *Host) InterfaceMTU(name string) (int32, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	links, err := conn.Link.List()
	if err != nil {
		return 0, err
	}
	for _, link := range links {
		if link.Attributes != nil && link.Attributes.Name == name {
			return int32(link.Attributes.MTU), nil
		}
	}
	return 0, E.New("link not found: ", name)
}

// defaultInterfaceMonitor starts the netlink monitors on first use.
func (h *Host) defaultInterfaceMonitor() (tun.DefaultInterfaceMonitor, error) {
	h.access.Lock()
	defer h.access.Unlock()
	if h.interfaceMonitor != nil {
		return h.interfaceMonitor, nil
	}
	networkMonitor, err := tun.NewNetworkUpdateMonitor(h.logger)
	if err != nil {
		return nil, E.Cause(err, "create network monitor")
	}
	err = networkMonitor.Start()
	if err != nil {
		return nil, E.Cause(err, "start network monitor")
	}
	interfaceMonitor, err := tun.NewDefaultInterfaceMonitor(networkMonitor, h.logger, tun.DefaultInterfaceMonitorOptions{
		InterfaceFinder: h.interfaceFinder,
	})
	if err != nil {
		networkMonitor.Close()
		return nil, E.Cause(err, "create default interface monitor")
	}
	err = interfaceMonitor.Start()
	if err != nil {
		networkMonitor.Close()
		return nil, E.Cause(err, "start default interface monitor")
	}
	h.networkMonitor = networkMonitor
	h.interfaceMonitor = interfaceMonitor
	return interfaceMonitor, nil
}

func (h *Host) DefaultNetwork() (*platform.Network, error) {
	interfaceMonitor, err := h.defaultInterfaceMonitor()
	if err != nil {
		return nil, err
	}
	return h.defaultNetwork(interfaceMonitor.DefaultInterface())
}

func (h *Host) defaultNetwork(defaultInterface *control.Interface) (*platform.Network, error) {
	if defaultInterface == nil {
		return nil, nil
	}
	netInterface, err := net.InterfaceByIndex(defaultInterface.Index)
	if err != nil {
		return nil, err
	}
	network := h.network(*netInterface, h.dnsServers())
	return &network, nil
}

func (h *Host) RegisterDefaultNetworkCallback(callback func(network *platform.Network)) (func(), error) {
	interfaceMonitor, err := h.defaultInterfaceMonitor()
	if err != nil {
		return nil, err
	}
	element := interfaceMonitor.RegisterCallback(func(defaultInterface *control.Interface, flags int) {
		network, err := h.defaultNetwork(defaultInterface)
		if err != nil {
			h.logger.DebugContext(h.ctx, E.Cause(err, "query default network"))
			return
		}
		callback(network)
	})
	return func() {
		interfaceMonitor.UnregisterCallback(element)
	}, nil
}

func (h *Host) UseProcFS() bool {
	return true
}

func (h *Host) addTunnel(name string) {
	h.access.Lock()
	defer h.access.Unlock()
	h.tunnels[name] = struct{}{}
}

func (h *Host) removeTunnel(name string) {
	h.access.Lock()
	defer h.access.Unlock()
	delete(h.tunnels, name)
}

func (h *Host) isTunnel(name string) bool {
	h.access.Lock()
	defer h.access.Unlock()
	_, loaded := h.tunnels[name]
	return loaded
}

func (h *Host) Close() error {
	h.access.Lock()
	defer h.access.Unlock()
	var err error
	if h.interfaceMonitor != nil {
		err = E.Errors(h.interfaceMonitor.Close(), h.networkMonitor.Close())
		h.interfaceMonitor = nil
		h.networkMonitor = nil
	}
	return err
}
