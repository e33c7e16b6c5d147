package platform

import (
	"sync"
	"sync/atomic"

	E "github.com/sagernet/sing/common/exceptions"
)

type defaultInterface struct {
	name        string
	index       int32
	expensive   bool
	constrained bool
}

var noDefaultInterface = defaultInterface{index: -1}

type defaultInterfaceMonitor struct {
	adapter    *Adapter
	listener   InterfaceUpdateListener
	report     sync.Mutex
	access     sync.Mutex
	current    defaultInterface
	reported   bool
	closed     atomic.Bool
	unregister func()
}

func (a *Adapter) StartDefaultInterfaceMonitor(listener InterfaceUpdateListener) error {
	a.access.Lock()
	if a.closed {
		a.access.Unlock()
		return E.New("adapter closed")
	}
	if _, loaded := a.monitors[listener]; loaded {
		a.access.Unlock()
		return E.New("default interface monitor already started")
	}
	monitor := &defaultInterfaceMonitor{
		adapter:  a,
		listener: listener,
	}
	a.monitors[listener] = monitor
	a.access.Unlock()

	network, err := a.host.DefaultNetwork()
	if err != nil {
		a.logger.WarnContext(a.ctx, E.Cause(err, "query default network"))
		network = nil
	}
	monitor.update(network)

	unregister, err := a.host.RegisterDefaultNetworkCallback(monitor.update)
	if err != nil {
		a.logger.WarnContext(a.ctx, E.Cause(err, "register default network callback"))
		return nil
	}
	monitor.access.Lock()
	if monitor.closed.Load() {
		monitor.access.Unlock()
		unregister()
		return nil
	}
	monitor.unregister = unregister
	monitor.access.Unlock()
	return nil
}

func (a *Adapter) CloseDefaultInterfaceMonitor(listener InterfaceUpdateListener) error {
	a.access.Lock()
	monitor, loaded := a.monitors[listener]
	if loaded {
		delete(a.monitors, listener)
	}
	a.access.Unlock()
	if loaded {
		monitor.close()
	}
	return nil
}

func (m *defaultInterfaceMonitor) update(network *Network) {
	if m.closed.Load() {
		return
	}
	next := m.adapter.resolveDefaultInterface(network)
	// report keeps deliveries ordered; access is released so the listener
	// may close the monitor from its callback
	m.report.Lock()
	defer m.report.Unlock()
	m.access.Lock()
	if m.reported && m.current == next {
		m.access.Unlock()
		return
	}
	m.current = next
	m.reported = true
	m.access.Unlock()
	if next.index == -1 {
		m.adapter.logger.InfoContext(m.adapter.ctx, "default interface lost")
	} else {
		m.adapter.logger.InfoContext(m.adapter.ctx, "updated default interface ", next.name, ", index ", next.index)
	}
	m.listener.UpdateDefaultInterface(next.name, next.index, next.expensive, next.constrained)
}

func (m *defaultInterfaceMonitor) close() {
	if m.closed.Swap(true) {
		return
	}
	m.access.Lock()
	unregister := m.unregister
	m.unregister = nil
	m.access.Unlock()
	if unregister != nil {
		unregister()
	}
}

func (a *Adapter) resolveDefaultInterface(network *Network) defaultInterface {
	if network == nil || network.Link == nil || network.Link.InterfaceName == "" {
		return noDefaultInterface
	}
	hostInterfaces, err := a.host.Interfaces()
	if err != nil {
		a.logger.WarnContext(a.ctx, E.Cause(err, "list interfaces"))
		return noDefaultInterface
	}
	hostInterface, loaded := findHostInterface(hostInterfaces, network.Link.InterfaceName)
	if !loaded {
		a.logger.DebugContext(a.ctx, "default network interface ", network.Link.InterfaceName, " not found")
		return noDefaultInterface
	}
	current := defaultInterface{
		name:  hostInterface.Name,
		index: int32(hostInterface.Index),
	}
	if network.Capabilities != nil {
		current.expensive = !network.Capabilities.NotMetered
		current.constrained = network.Capabilities.Constrained
	}
	return current
}
