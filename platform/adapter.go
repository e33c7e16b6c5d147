package platform

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sagernet/sing-vpn/common/baderror"
	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	E "github.com/sagernet/sing/common/exceptions"
)

var (
	tunnelAccess sync.Mutex
	tunnelOwner  *Adapter
)

func acquireTunnelSlot(adapter *Adapter) error {
	tunnelAccess.Lock()
	defer tunnelAccess.Unlock()
	if tunnelOwner != nil {
		return E.New("already established")
	}
	tunnelOwner = adapter
	return nil
}

func releaseTunnelSlot(adapter *Adapter) {
	tunnelAccess.Lock()
	defer tunnelAccess.Unlock()
	if tunnelOwner == adapter {
		tunnelOwner = nil
	}
}

type Options struct {
	Context        context.Context
	Logger         log.ContextLogger
	EngineLogger   log.ContextLogger
	Host           Host
	SessionName    string
	ProtectTimeout time.Duration
}

var _ Interface = (*Adapter)(nil)

// Adapter implements Interface on top of a Host. One adapter lives for one
// session; closing it releases the tunnel and every monitor subscription.
type Adapter struct {
	ctx            context.Context
	logger         log.ContextLogger
	engineLogger   log.ContextLogger
	host           Host
	sessionName    string
	protectTimeout time.Duration

	access   sync.Mutex
	tunnel   Tunnel
	monitors map[InterfaceUpdateListener]*defaultInterfaceMonitor
	closed   bool
}

func NewAdapter(options Options) *Adapter {
	adapter := &Adapter{
		ctx:            options.Context,
		logger:         options.Logger,
		engineLogger:   options.EngineLogger,
		host:           options.Host,
		sessionName:    options.SessionName,
		protectTimeout: options.ProtectTimeout,
		monitors:       make(map[InterfaceUpdateListener]*defaultInterfaceMonitor),
	}
	if adapter.ctx == nil {
		adapter.ctx = context.Background()
	}
	if adapter.logger == nil {
		adapter.logger = log.NewNOPFactory().Logger()
	}
	if adapter.engineLogger == nil {
		adapter.engineLogger = adapter.logger
	}
	if adapter.sessionName == "" {
		adapter.sessionName = "sing-vpn"
	}
	if adapter.protectTimeout == 0 {
		adapter.protectTimeout = C.ProtectTimeout
	}
	return adapter
}

func (a *Adapter) AutoDetectInterfaceControl(fd int32) error {
	done := make(chan bool, 1)
	go func() {
		done <- a.host.Protect(fd)
	}()
	timer := time.NewTimer(a.protectTimeout)
	defer timer.Stop()
	select {
	case protected := <-done:
		if protected {
			return nil
		}
		a.logger.WarnContext(a.ctx, "failed to protect socket ", fd, ", traffic may loop through the tunnel")
		return E.Cause(ErrProtectFailed, "fd ", fd)
	case <-timer.C:
		a.logger.WarnContext(a.ctx, "protect socket ", fd, " timed out, traffic may loop through the tunnel")
		return E.Cause(ErrProtectFailed, "fd ", fd, ": timeout")
	}
}

func (a *Adapter) OpenTun(options TunOptions) (int32, error) {
	a.access.Lock()
	defer a.access.Unlock()
	if a.closed {
		return -1, baderror.WithKind(ErrTunnelEstablishment, E.New("adapter closed"))
	}
	if a.tunnel != nil {
		return -1, baderror.WithKind(ErrTunnelEstablishment, E.New("already established"))
	}
	err := acquireTunnelSlot(a)
	if err != nil {
		return -1, baderror.WithKind(ErrTunnelEstablishment, err)
	}
	tunnel, err := a.establish(options)
	if err != nil {
		releaseTunnelSlot(a)
		return -1, baderror.WithKind(ErrTunnelEstablishment, err)
	}
	a.tunnel = tunnel
	fd := tunnel.FileDescriptor()
	a.logger.InfoContext(a.ctx, "tunnel established, fd ", fd)
	return fd, nil
}

func (a *Adapter) establish(options TunOptions) (Tunnel, error) {
	builder := a.host.NewBuilder()
	if builder == nil {
		return nil, E.New("missing builder")
	}
	err := builder.SetSession(a.sessionName)
	if err != nil {
		return nil, E.Cause(err, "set session")
	}
	err = builder.SetMTU(options.GetMTU())
	if err != nil {
		return nil, E.Cause(err, "set mtu")
	}
	for _, address := range options.GetInet4Address() {
		err = builder.AddAddress(address)
		if err != nil {
			return nil, E.Cause(err, "add address ", address)
		}
	}
	for _, address := range options.GetInet6Address() {
		err = builder.AddAddress(address)
		if err != nil {
			return nil, E.Cause(err, "add address ", address)
		}
	}
	if options.GetAutoRoute() {
		var dnsServer netip.Addr
		dnsServer, err = options.GetDNSServerAddress()
		if err != nil {
			return nil, E.Cause(err, "get dns server address")
		}
		err = builder.AddDNSServer(dnsServer)
		if err != nil {
			return nil, E.Cause(err, "add dns server")
		}
		inet4Routes, inet6Routes := resolveRoutes(options)
		err = a.addRoutes(builder, inet4Routes)
		if err != nil {
			return nil, err
		}
		err = a.addRoutes(builder, inet6Routes)
		if err != nil {
			return nil, err
		}
		err = a.applyPackages(builder, options)
		if err != nil {
			return nil, err
		}
	}
	if httpProxy := options.GetHTTPProxy(); httpProxy != nil {
		proxyBuilder, loaded := builder.(HTTPProxyBuilder)
		if loaded {
			err = proxyBuilder.SetHTTPProxy(httpProxy.Server, httpProxy.ServerPort, httpProxy.BypassDomain)
			if err != nil {
				return nil, E.Cause(err, "set http proxy")
			}
		} else {
			a.logger.WarnContext(a.ctx, "http proxy is not supported by host, ignored")
		}
	}
	tunnel, err := builder.Establish()
	if err != nil {
		return nil, E.Cause(err, "establish")
	}
	if tunnel == nil {
		return nil, E.New("host returned no tunnel")
	}
	return tunnel, nil
}

func (a *Adapter) addRoutes(builder VPNBuilder, routes familyRoutes) error {
	include := routes.include
	if len(routes.exclude) > 0 {
		excludeBuilder, loaded := builder.(ExcludeRouteBuilder)
		if loaded {
			for _, prefix := range routes.exclude {
				err := excludeBuilder.ExcludeRoute(prefix)
				if err != nil {
					return E.Cause(err, "exclude route ", prefix)
				}
			}
		} else {
			var err error
			include, err = subtractPrefixes(include, routes.exclude)
			if err != nil {
				return E.Cause(err, "build route ranges")
			}
		}
	}
	for _, prefix := range include {
		err := builder.AddRoute(prefix)
		if err != nil {
			return E.Cause(err, "add route ", prefix)
		}
	}
	return nil
}

func (a *Adapter) applyPackages(builder VPNBuilder, options TunOptions) error {
	includePackage := options.GetIncludePackage()
	excludePackage := options.GetExcludePackage()
	if len(includePackage) == 0 && len(excludePackage) == 0 {
		return nil
	}
	packageBuilder, loaded := builder.(PackageFilterBuilder)
	if !loaded {
		a.logger.WarnContext(a.ctx, "per-application routing is not supported by host, ignored")
		return nil
	}
	for _, packageName := range includePackage {
		err := packageBuilder.AddAllowedApplication(packageName)
		if err != nil {
			a.logger.WarnContext(a.ctx, E.Cause(err, "include package ", packageName))
		}
	}
	for _, packageName := range excludePackage {
		err := packageBuilder.AddDisallowedApplication(packageName)
		if err != nil {
			a.logger.WarnContext(a.ctx, E.Cause(err, "exclude package ", packageName))
		}
	}
	return nil
}

// Close releases the tunnel and every default interface monitor.
func (a *Adapter) Close() error {
	a.access.Lock()
	if a.closed {
		a.access.Unlock()
		return nil
	}
	a.closed = true
	tunnel := a.tunnel
	a.tunnel = nil
	monitors := a.monitors
	a.monitors = make(map[InterfaceUpdateListener]*defaultInterfaceMonitor)
	a.access.Unlock()
	for _, monitor := range monitors {
		monitor.close()
	}
	if tunnel == nil {
		return nil
	}
	err := tunnel.Close()
	releaseTunnelSlot(a)
	if err != nil {
		return E.Cause(err, "close tunnel")
	}
	a.logger.InfoContext(a.ctx, "tunnel closed")
	return nil
}

func (a *Adapter) TunnelActive() bool {
	a.access.Lock()
	defer a.access.Unlock()
	return a.tunnel != nil
}

func (a *Adapter) LocalDNSTransport() LocalDNSTransport {
	provider, loaded := a.host.(DNSTransportProvider)
	if !loaded {
		return nil
	}
	return provider.LocalDNSTransport()
}

func (a *Adapter) UseProcFS() bool {
	user, loaded := a.host.(ProcFSUser)
	return loaded && user.UseProcFS()
}

func (a *Adapter) FindConnectionOwner(ipProtocol int32, sourceAddress string, sourcePort int32, destinationAddress string, destinationPort int32) (int32, error) {
	finder, loaded := a.host.(ConnectionOwnerFinder)
	if !loaded {
		return 0, nil
	}
	source, err := netip.ParseAddr(sourceAddress)
	if err != nil {
		return 0, nil
	}
	destination, err := netip.ParseAddr(destinationAddress)
	if err != nil {
		return 0, nil
	}
	uid, err := finder.FindConnectionOwner(ipProtocol, netip.AddrPortFrom(source, uint16(sourcePort)), netip.AddrPortFrom(destination, uint16(destinationPort)))
	if err != nil {
		a.logger.DebugContext(a.ctx, E.Cause(err, "find connection owner"))
		return 0, nil
	}
	return uid, nil
}

func (a *Adapter) PackageNameByUid(uid int32) (string, error) {
	manager, loaded := a.host.(PackageManager)
	if !loaded {
		return "", nil
	}
	packageName, err := manager.PackageNameByUid(uid)
	if err != nil {
		a.logger.DebugContext(a.ctx, E.Cause(err, "find package for uid ", uid))
		return "", nil
	}
	return packageName, nil
}

func (a *Adapter) UIDByPackageName(packageName string) (int32, error) {
	manager, loaded := a.host.(PackageManager)
	if !loaded {
		return 0, nil
	}
	uid, err := manager.UIDByPackageName(packageName)
	if err != nil {
		a.logger.DebugContext(a.ctx, E.Cause(err, "find uid for package ", packageName))
		return 0, nil
	}
	return uid, nil
}

func (a *Adapter) UnderNetworkExtension() bool {
	return false
}

func (a *Adapter) IncludeAllNetworks() bool {
	return false
}

func (a *Adapter) ReadWIFIState() *WIFIState {
	reader, loaded := a.host.(WIFIStateReader)
	if !loaded {
		return nil
	}
	state, err := reader.ReadWIFIState()
	if err != nil {
		a.logger.DebugContext(a.ctx, E.Cause(err, "read wifi state"))
		return nil
	}
	return state
}

func (a *Adapter) SystemCertificates() StringIterator {
	provider, loaded := a.host.(CertificateProvider)
	if !loaded {
		return nil
	}
	certificates, err := provider.SystemCertificates()
	if err != nil {
		a.logger.WarnContext(a.ctx, E.Cause(err, "read system certificates"))
		return nil
	}
	return newIterator(certificates)
}

func (a *Adapter) ClearDNSCache() {
	cleaner, loaded := a.host.(DNSCacheCleaner)
	if !loaded {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, C.DBusCallTimeout)
	defer cancel()
	err := cleaner.ClearDNSCache(ctx)
	if err != nil {
		a.logger.WarnContext(a.ctx, E.Cause(err, "clear dns cache"))
	}
}

func (a *Adapter) WriteLog(message string) {
	a.engineLogger.InfoContext(a.ctx, message)
}

func (a *Adapter) SendNotification(notification *Notification) error {
	if notification == nil {
		return nil
	}
	sender, loaded := a.host.(NotificationSender)
	if !loaded {
		a.logger.InfoContext(a.ctx, "notification: ", notification.Title, ": ", notification.Body)
		return nil
	}
	err := sender.SendNotification(a.ctx, notification)
	if err != nil {
		a.logger.WarnContext(a.ctx, E.Cause(err, "send notification ", notification.Identifier))
	}
	return nil
}
