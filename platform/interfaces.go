package platform

import (
	"net"

	E "github.com/sagernet/sing/common/exceptions"
)

// GetInterfaces joins every host network with its link properties,
// capabilities and OS interface. The snapshot is rebuilt on each call.
func (a *Adapter) GetInterfaces() (NetworkInterfaceIterator, error) {
	interfaces, err := a.networkInterfaces()
	if err != nil {
		return nil, err
	}
	return newIterator(interfaces), nil
}

func (a *Adapter) networkInterfaces() ([]*NetworkInterface, error) {
	networks, err := a.host.Networks()
	if err != nil {
		return nil, E.Cause(err, "list networks")
	}
	hostInterfaces, err := a.host.Interfaces()
	if err != nil {
		return nil, E.Cause(err, "list interfaces")
	}
	var interfaces []*NetworkInterface
	for _, network := range networks {
		if network.Link == nil || network.Capabilities == nil {
			continue
		}
		hostInterface, loaded := findHostInterface(hostInterfaces, network.Link.InterfaceName)
		if !loaded {
			continue
		}
		var flags net.Flags
		if network.Capabilities.Internet {
			flags |= net.FlagUp | net.FlagRunning
		}
		flags |= hostInterface.Flags & (net.FlagLoopback | net.FlagPointToPoint | net.FlagMulticast)
		mtu, err := a.host.InterfaceMTU(hostInterface.Name)
		if err != nil {
			a.logger.WarnContext(a.ctx, E.Cause(err, "read mtu of ", hostInterface.Name))
			mtu = 0
		}
		interfaces = append(interfaces, &NetworkInterface{
			Index:      int32(hostInterface.Index),
			MTU:        mtu,
			Name:       hostInterface.Name,
			Addresses:  network.Link.Addresses,
			Flags:      flags,
			Type:       network.Capabilities.Transport,
			DNSServers: network.Link.DNSServers,
			Metered:    !network.Capabilities.NotMetered,
		})
	}
	return interfaces, nil
}

func findHostInterface(interfaces []HostInterface, name string) (HostInterface, bool) {
	for _, hostInterface := range interfaces {
		if hostInterface.Name == name {
			return hostInterface, true
		}
	}
	return HostInterface{}, false
}
