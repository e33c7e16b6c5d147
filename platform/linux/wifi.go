//go:build linux

package linux

import (
	"context"
	"strings"

	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/platform"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/godbus/dbus/v5"
)

const (
	networkManagerDestination = "org.freedesktop.NetworkManager"
	networkManagerPath        = "/org/freedesktop/NetworkManager"
	deviceTypeWIFI            = 2
)

// ReadWIFIState returns the access point of the first active wireless
// connection known to NetworkManager.
func (h *Host) ReadWIFIState() (*platform.WIFIState, error) {
	systemBus, err := dbus.SystemBus()
	if err != nil {
		return nil, E.Cause(err, "connect system bus")
	}
	ctx, cancel := context.WithTimeout(h.ctx, C.DBusCallTimeout)
	defer cancel()
	var activeConnectionPaths []dbus.ObjectPath
	err = getProperty(ctx, systemBus.Object(networkManagerDestination, networkManagerPath), "org.freedesktop.NetworkManager", "ActiveConnections", &activeConnectionPaths)
	if err != nil {
		return nil, E.Cause(err, "read active connections")
	}
	for _, connectionPath := range activeConnectionPaths {
		var devicePaths []dbus.ObjectPath
		err = getProperty(ctx, systemBus.Object(networkManagerDestination, connectionPath), "org.freedesktop.NetworkManager.Connection.Active", "Devices", &devicePaths)
		if err != nil {
			continue
		}
		for _, devicePath := range devicePaths {
			state, loaded := readAccessPoint(ctx, systemBus, devicePath)
			if loaded {
				return state, nil
			}
		}
	}
	return nil, nil
}

func readAccessPoint(ctx context.Context, systemBus *dbus.Conn, devicePath dbus.ObjectPath) (*platform.WIFIState, bool) {
	device := systemBus.Object(networkManagerDestination, devicePath)
	var deviceType uint32
	err := getProperty(ctx, device, "org.freedesktop.NetworkManager.Device", "DeviceType", &deviceType)
	if err != nil || deviceType != deviceTypeWIFI {
		return nil, false
	}
	var accessPointPath dbus.ObjectPath
	err = getProperty(ctx, device, "org.freedesktop.NetworkManager.Device.Wireless", "ActiveAccessPoint", &accessPointPath)
	if err != nil || accessPointPath == "/" {
		return nil, false
	}
	accessPoint := systemBus.Object(networkManagerDestination, accessPointPath)
	var ssid []byte
	err = getProperty(ctx, accessPoint, "org.freedesktop.NetworkManager.AccessPoint", "Ssid", &ssid)
	if err != nil {
		return nil, false
	}
	var hwAddress string
	err = getProperty(ctx, accessPoint, "org.freedesktop.NetworkManager.AccessPoint", "HwAddress", &hwAddress)
	if err != nil {
		return nil, false
	}
	return newWIFIState(ssid, hwAddress)
}

func newWIFIState(ssid []byte, hwAddress string) (*platform.WIFIState, bool) {
	name := strings.TrimSpace(string(ssid))
	if name == "" {
		return nil, false
	}
	return &platform.WIFIState{
		SSID:  name,
		BSSID: strings.ToUpper(strings.ReplaceAll(hwAddress, ":", "")),
	}, true
}

func getProperty(ctx context.Context, object dbus.BusObject, iface string, property string, value any) error {
	return object.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, property).Store(value)
}
