//go:build linux

package linux

import (
	"context"
	"net/netip"

	E "github.com/sagernet/sing/common/exceptions"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	resolvedDestination = "org.freedesktop.resolve1"
	resolvedPath        = "/org/freedesktop/resolve1"
	resolvedManager     = "org.freedesktop.resolve1.Manager"
)

type linkDNS struct {
	Family  int32
	Address []byte
}

type linkDomain struct {
	Domain      string
	RoutingOnly bool
}

func resolvedObject() (dbus.BusObject, error) {
	systemBus, err := dbus.SystemBus()
	if err != nil {
		return nil, E.Cause(err, "connect system bus")
	}
	return systemBus.Object(resolvedDestination, resolvedPath), nil
}

// setLinkDNS makes the tunnel link the resolver for every domain.
func (h *Host) setLinkDNS(ctx context.Context, index int, servers []netip.Addr) error {
	object, err := resolvedObject()
	if err != nil {
		return err
	}
	addresses := make([]linkDNS, 0, len(servers))
	for _, server := range servers {
		family := int32(unix.AF_INET)
		if server.Is6() {
			family = unix.AF_INET6
		}
		addresses = append(addresses, linkDNS{Family: family, Address: server.AsSlice()})
	}
	err = object.CallWithContext(ctx, resolvedManager+".SetLinkDNS", 0, int32(index), addresses).Err
	if err != nil {
		return E.Cause(err, "SetLinkDNS")
	}
	err = object.CallWithContext(ctx, resolvedManager+".SetLinkDomains", 0, int32(index), []linkDomain{{Domain: ".", RoutingOnly: true}}).Err
	if err != nil {
		return E.Cause(err, "SetLinkDomains")
	}
	return nil
}

func (h *Host) revertLink(ctx context.Context, index int) error {
	object, err := resolvedObject()
	if err != nil {
		return err
	}
	return object.CallWithContext(ctx, resolvedManager+".RevertLink", 0, int32(index)).Err
}

func (h *Host) ClearDNSCache(ctx context.Context) error {
	object, err := resolvedObject()
	if err != nil {
		return err
	}
	err = object.CallWithContext(ctx, resolvedManager+".FlushCaches", 0).Err
	if err != nil {
		return E.Cause(err, "FlushCaches")
	}
	return nil
}
