// Package probe is a minimal engine that exercises the platform contract. It
// opens the tunnel described by the first tun inbound, follows the default
// interface and reports what it sees through the platform log.
package probe

import (
	"context"
	"net/netip"
	"sync"

	"github.com/sagernet/sing-tun"
	"github.com/sagernet/sing-vpn/option"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing-vpn/session"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

var (
	_ session.Engine            = (*Engine)(nil)
	_ session.FatalNotifier     = (*Engine)(nil)
	_ session.EngineConstructor = New
)

type Engine struct {
	ctx               context.Context
	platformInterface platform.Interface
	inbound           *option.EngineInbound
	tunOptions        *tun.Options

	access     sync.Mutex
	started    bool
	closed     bool
	monitoring bool
	fd         int32

	// the monitor reports synchronously from inside Start
	errAccess sync.Mutex
	done      chan struct{}
	err       error
}

func New(ctx context.Context, configContent string, platformInterface platform.Interface) (session.Engine, error) {
	inbound, err := parseTunInbound(configContent)
	if err != nil {
		return nil, err
	}
	tunOptions, err := buildTunOptions(inbound)
	if err != nil {
		return nil, E.Cause(err, "inbound/tun[", inbound.Tag, "]")
	}
	return &Engine{
		ctx:               ctx,
		platformInterface: platformInterface,
		inbound:           inbound,
		tunOptions:        tunOptions,
		fd:                -1,
		done:              make(chan struct{}),
	}, nil
}

func (e *Engine) Start() error {
	e.access.Lock()
	defer e.access.Unlock()
	if e.closed {
		return E.New("engine closed")
	}
	if e.started {
		return nil
	}
	var routeRanges []netip.Prefix
	if e.tunOptions.AutoRoute {
		var err error
		routeRanges, err = e.tunOptions.BuildAutoRouteRanges(true)
		if err != nil {
			e.platformInterface.WriteLog("build route ranges: " + err.Error())
			routeRanges = nil
		}
	}
	fd, err := e.platformInterface.OpenTun(platform.NewTunOptions(e.tunOptions, routeRanges, e.inbound.Platform))
	if err != nil {
		return E.Cause(err, "open tun")
	}
	e.fd = fd
	e.platformInterface.WriteLog(F.ToString("tun opened, fd ", fd))
	err = e.platformInterface.StartDefaultInterfaceMonitor(e)
	if err != nil {
		return E.Cause(err, "start default interface monitor")
	}
	e.monitoring = true
	e.reportInterfaces()
	e.started = true
	return nil
}

func (e *Engine) reportInterfaces() {
	interfaces, err := e.platformInterface.GetInterfaces()
	if err != nil {
		e.platformInterface.WriteLog("get interfaces: " + err.Error())
		return
	}
	for networkInterface := range platform.All(interfaces) {
		e.platformInterface.WriteLog(F.ToString(
			"interface ", networkInterface.Name,
			" index ", networkInterface.Index,
			" type ", networkInterface.Type,
			" mtu ", networkInterface.MTU,
			" metered ", networkInterface.Metered,
		))
	}
}

// UpdateDefaultInterface fails the engine when the default interface goes
// away under strict route, since traffic can no longer leave the tunnel.
func (e *Engine) UpdateDefaultInterface(interfaceName string, interfaceIndex int32, isExpensive bool, isConstrained bool) {
	if interfaceIndex == -1 {
		e.platformInterface.WriteLog("default interface lost")
		if e.tunOptions.StrictRoute {
			e.fail(E.New("default interface lost under strict route"))
		}
		return
	}
	e.platformInterface.WriteLog(F.ToString("default interface ", interfaceName, " index ", interfaceIndex, " expensive ", isExpensive, " constrained ", isConstrained))
}

func (e *Engine) fail(err error) {
	e.errAccess.Lock()
	defer e.errAccess.Unlock()
	if e.err != nil {
		return
	}
	e.err = err
	close(e.done)
}

func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) Err() error {
	e.errAccess.Lock()
	defer e.errAccess.Unlock()
	return e.err
}

func (e *Engine) FileDescriptor() int32 {
	e.access.Lock()
	defer e.access.Unlock()
	return e.fd
}

func (e *Engine) Close() error {
	e.access.Lock()
	if e.closed {
		e.access.Unlock()
		return nil
	}
	e.closed = true
	monitoring := e.monitoring
	e.monitoring = false
	e.access.Unlock()
	if !monitoring {
		return nil
	}
	return e.platformInterface.CloseDefaultInterfaceMonitor(e)
}
