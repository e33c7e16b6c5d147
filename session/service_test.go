package session

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sagernet/sing-tun"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing-vpn/provision"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/observable"

	"github.com/stretchr/testify/require"
)

const testConfig = `{"inbounds":[{"type":"tun","address":["172.19.0.1/30"],"auto_route":true}]}`

type fakeTunnel struct {
	closed atomic.Bool
}

func (t *fakeTunnel) FileDescriptor() int32 {
	return 10
}

func (t *fakeTunnel) Close() error {
	t.closed.Store(true)
	return nil
}

type fakeBuilder struct {
	tunnel *fakeTunnel
}

func (b *fakeBuilder) SetSession(name string) error { return nil }
func (b *fakeBuilder) SetMTU(mtu int32) error { return nil }
func (b *fakeBuilder) AddAddress(prefix netip.Prefix) error { return nil }
func (b *fakeBuilder) AddDNSServer(address netip.Addr) error { return nil }
func (b *fakeBuilder) AddRoute(prefix netip.Prefix) error { return nil }

func (b *fakeBuilder) Establish() (platform.Tunnel, error) {
	return b.tunnel, nil
}

type fakeHost struct {
	tunnels []*fakeTunnel
	access  sync.Mutex
}

func (h *fakeHost) NewBuilder() platform.VPNBuilder {
	h.access.Lock()
	defer h.access.Unlock()
	tunnel := &fakeTunnel{}
	h.tunnels = append(h.tunnels, tunnel)
	return &fakeBuilder{tunnel: tunnel}
}

func (h *fakeHost) lastTunnel() *fakeTunnel {
	h.access.Lock()
	defer h.access.Unlock()
	if len(h.tunnels) == 0 {
		return nil
	}
	return h.tunnels[len(h.tunnels)-1]
}

func (h *fakeHost) Protect(fd int32) bool { return true }
func (h *fakeHost) Networks() ([]platform.Network, error) { return nil, nil }
func (h *fakeHost) Interfaces() ([]platform.HostInterface, error) { return nil, nil }
func (h *fakeHost) InterfaceMTU(name string) (int32, error) { return 1500, nil }
func (h *fakeHost) DefaultNetwork() (*platform.Network, error) { return nil, nil }

func (h *fakeHost) RegisterDefaultNetworkCallback(callback func(network *platform.Network)) (func(), error) {
	return func() {}, nil
}

type fakePermission struct {
	granted  atomic.Bool
	requests chan string
}

func newFakePermission(granted bool) *fakePermission {
	permission := &fakePermission{requests: make(chan string, 4)}
	permission.granted.Store(granted)
	return permission
}

func (p *fakePermission) CheckPermission() (bool, error) {
	return p.granted.Load(), nil
}

func (p *fakePermission) RequestPermission(requestID string) error {
	p.requests <- requestID
	return nil
}

type fakeProvisioner struct {
	calls atomic.Int32
	err   error
}

func (p *fakeProvisioner) Ensure(ctx context.Context) error {
	p.calls.Add(1)
	return p.err
}

type fakeNotifier struct {
	shown     atomic.Int32
	withdrawn atomic.Int32
}

func (n *fakeNotifier) ShowNotification(ctx context.Context, notification *platform.Notification) error {
	n.shown.Add(1)
	return nil
}

func (n *fakeNotifier) WithdrawNotification(ctx context.Context) error {
	n.withdrawn.Add(1)
	return nil
}

type fakeEngine struct {
	platformInterface platform.Interface
	openTun           bool
	startErr          error
	startBlock        chan struct{}
	closeOnce         sync.Once
	closed            chan struct{}
	started           chan struct{}
}

func (e *fakeEngine) Start() error {
	close(e.started)
	if e.openTun {
		_, err := e.platformInterface.OpenTun(platform.NewTunOptions(&tun.Options{
			MTU:          1500,
			Inet4Address: []netip.Prefix{netip.MustParsePrefix("172.19.0.1/30")},
			AutoRoute:    true,
		}, nil, nil))
		if err != nil {
			return err
		}
	}
	if e.startBlock != nil {
		select {
		case <-e.startBlock:
		case <-e.closed:
		}
	}
	return e.startErr
}

func (e *fakeEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	return nil
}

type fatalEngine struct {
	*fakeEngine
	done chan struct{}
	err  error
}

func (e *fatalEngine) Done() <-chan struct{} {
	return e.done
}

func (e *fatalEngine) Err() error {
	return e.err
}

type testEnvironment struct {
	host         *fakeHost
	permission   *fakePermission
	provisioner  *fakeProvisioner
	notifier     *fakeNotifier
	constructed  atomic.Int32
	engineAccess sync.Mutex
	engines      []*fakeEngine
	configure    func(engine *fakeEngine) Engine
	construct    func(configContent string)
	service      *Service
}

func newTestEnvironment(t *testing.T, granted bool) *testEnvironment {
	env := &testEnvironment{
		host:        &fakeHost{},
		permission:  newFakePermission(granted),
		provisioner: &fakeProvisioner{},
		notifier:    &fakeNotifier{},
	}
	env.service = NewService(ServiceOptions{
		Host:              env.host,
		Permission:        env.permission,
		Provisioner:       env.provisioner,
		EngineConstructor: env.newEngine,
		Notifier:          env.notifier,
		Notification:      &platform.Notification{Title: "sing-vpn", Body: "connected"},
		SessionName:       "test",
	})
	t.Cleanup(func() {
		env.service.Close()
	})
	return env
}

func (env *testEnvironment) newEngine(ctx context.Context, configContent string, platformInterface platform.Interface) (Engine, error) {
	if env.construct != nil {
		env.construct(configContent)
	}
	env.constructed.Add(1)
	engine := &fakeEngine{
		platformInterface: platformInterface,
		closed:            make(chan struct{}),
		started:           make(chan struct{}),
	}
	env.engineAccess.Lock()
	env.engines = append(env.engines, engine)
	env.engineAccess.Unlock()
	if env.configure != nil {
		return env.configure(engine), nil
	}
	return engine, nil
}

func (env *testEnvironment) lastEngine() *fakeEngine {
	env.engineAccess.Lock()
	defer env.engineAccess.Unlock()
	if len(env.engines) == 0 {
		return nil
	}
	return env.engines[len(env.engines)-1]
}

type startResult struct {
	started bool
	err     error
}

func (env *testEnvironment) startAsync(config string) chan startResult {
	result := make(chan startResult, 1)
	go func() {
		started, err := env.service.Start(context.Background(), config)
		result <- startResult{started, err}
	}()
	return result
}

func receive[T any](t *testing.T, channel <-chan T) T {
	t.Helper()
	select {
	case value := <-channel:
		return value
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
		panic("unreachable")
	}
}

func waitStatus(t *testing.T, subscription observable.Subscription[ServiceStatus], state State) ServiceStatus {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case status := <-subscription:
			if status.State == state {
				return status
			}
		case <-timeout:
			t.Fatal("timeout waiting for state ", state)
		}
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnvironment(t, true)
	require.False(t, env.service.IsRunning())
	started, err := env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	require.True(t, env.service.IsRunning())
	require.Equal(t, StateRunning, env.service.Status().State)
	require.Equal(t, int32(1), env.provisioner.calls.Load())
	require.Equal(t, int32(1), env.notifier.shown.Load())

	stopped, err := env.service.Stop()
	require.NoError(t, err)
	require.True(t, stopped)
	require.False(t, env.service.IsRunning())
	require.Equal(t, StateIdle, env.service.Status().State)
	require.Equal(t, int32(1), env.notifier.withdrawn.Load())
	select {
	case <-env.lastEngine().closed:
	default:
		t.Fatal("engine not closed")
	}
}

func TestStopIdle(t *testing.T) {
	env := newTestEnvironment(t, true)
	stopped, err := env.service.Stop()
	require.NoError(t, err)
	require.True(t, stopped)
	stopped, err = env.service.Stop()
	require.NoError(t, err)
	require.True(t, stopped)
	require.Zero(t, env.constructed.Load())
	require.Zero(t, env.notifier.withdrawn.Load())
}

func TestStartEmptyConfig(t *testing.T) {
	env := newTestEnvironment(t, true)
	started, err := env.service.Start(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.False(t, started)
	require.Zero(t, env.constructed.Load())
	require.Zero(t, env.provisioner.calls.Load())
}

func TestStartWhileRunning(t *testing.T) {
	env := newTestEnvironment(t, true)
	started, err := env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	started, err = env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, int32(1), env.constructed.Load())
}

func TestStartWhileStarting(t *testing.T) {
	env := newTestEnvironment(t, false)
	result := env.startAsync(testConfig)
	requestID := receive(t, env.permission.requests)
	started, err := env.service.Start(context.Background(), testConfig)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.False(t, started)
	env.permission.granted.Store(true)
	env.service.OnPermissionResult(requestID, true)
	require.Equal(t, startResult{started: true}, receive(t, result))
}

func TestFirstInstallPermissionFlow(t *testing.T) {
	env := newTestEnvironment(t, false)
	subscription, _, err := env.service.SubscribeStatus()
	require.NoError(t, err)
	defer env.service.UnsubscribeStatus(subscription)

	result := env.startAsync(testConfig)
	requestID := receive(t, env.permission.requests)
	waitStatus(t, subscription, StateAwaitingPermissionGrant)
	pendingID, pending := env.service.PendingPermissionRequest()
	require.True(t, pending)
	require.Equal(t, requestID, pendingID)
	require.False(t, env.service.IsRunning())

	env.permission.granted.Store(true)
	env.service.OnPermissionResult(requestID, true)
	require.Equal(t, startResult{started: true}, receive(t, result))
	waitStatus(t, subscription, StateRunning)
	require.True(t, env.service.IsRunning())
	_, pending = env.service.PendingPermissionRequest()
	require.False(t, pending)
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnvironment(t, false)
	subscription, _, err := env.service.SubscribeStatus()
	require.NoError(t, err)
	defer env.service.UnsubscribeStatus(subscription)

	result := env.startAsync(testConfig)
	requestID := receive(t, env.permission.requests)
	env.service.OnPermissionResult(requestID, false)
	denied := receive(t, result)
	require.False(t, denied.started)
	require.ErrorIs(t, denied.err, ErrPermissionDenied)
	status := waitStatus(t, subscription, StateFailed)
	require.NotEmpty(t, status.ErrorMessage)
	waitStatus(t, subscription, StateIdle)
	require.Zero(t, env.constructed.Load())
}

func TestSecondPermissionRequestRejected(t *testing.T) {
	env := newTestEnvironment(t, false)
	type requestResult struct {
		granted bool
		err     error
	}
	result := make(chan requestResult, 1)
	go func() {
		granted, err := env.service.RequestPermission(context.Background())
		result <- requestResult{granted, err}
	}()
	requestID := receive(t, env.permission.requests)

	_, err := env.service.RequestPermission(context.Background())
	require.ErrorIs(t, err, ErrPermissionPending)
	require.Empty(t, env.permission.requests)

	env.service.OnPermissionResult("stale", true)
	pendingID, pending := env.service.PendingPermissionRequest()
	require.True(t, pending)
	require.Equal(t, requestID, pendingID)

	env.service.OnPermissionResult(requestID, true)
	require.Equal(t, requestResult{granted: true}, receive(t, result))
	env.service.OnPermissionResult(requestID, false)
	_, pending = env.service.PendingPermissionRequest()
	require.False(t, pending)
}

func TestRequestPermissionAlreadyGranted(t *testing.T) {
	env := newTestEnvironment(t, true)
	granted, err := env.service.RequestPermission(context.Background())
	require.NoError(t, err)
	require.True(t, granted)
	require.Empty(t, env.permission.requests)
}

func TestRequestPermissionCanceled(t *testing.T) {
	env := newTestEnvironment(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := env.service.RequestPermission(ctx)
		result <- err
	}()
	requestID := receive(t, env.permission.requests)
	cancel()
	require.ErrorIs(t, receive(t, result), context.Canceled)
	_, pending := env.service.PendingPermissionRequest()
	require.True(t, pending)
	env.service.OnPermissionResult(requestID, false)
	_, pending = env.service.PendingPermissionRequest()
	require.False(t, pending)
}

func TestStopDuringPermissionWait(t *testing.T) {
	env := newTestEnvironment(t, false)
	result := env.startAsync(testConfig)
	requestID := receive(t, env.permission.requests)
	stopped, err := env.service.Stop()
	require.NoError(t, err)
	require.True(t, stopped)
	require.Equal(t, startResult{}, receive(t, result))
	require.Equal(t, StateIdle, env.service.Status().State)
	env.service.OnPermissionResult(requestID, true)
	require.Zero(t, env.constructed.Load())
}

func TestRestartAfterStopDuringPermissionWait(t *testing.T) {
	env := newTestEnvironment(t, false)
	result := env.startAsync(testConfig)
	requestID := receive(t, env.permission.requests)
	_, err := env.service.Stop()
	require.NoError(t, err)
	require.Equal(t, startResult{}, receive(t, result))

	started, err := env.service.Start(context.Background(), testConfig)
	require.False(t, started)
	require.ErrorIs(t, err, ErrPermissionPending)
	require.Equal(t, StateIdle, env.service.Status().State)
	require.Empty(t, env.permission.requests)

	env.service.OnPermissionResult(requestID, false)
	result = env.startAsync(testConfig)
	secondID := receive(t, env.permission.requests)
	require.NotEqual(t, requestID, secondID)
	env.permission.granted.Store(true)
	env.service.OnPermissionResult(secondID, true)
	require.Equal(t, startResult{started: true}, receive(t, result))
}

func TestProvisioningFailure(t *testing.T) {
	env := newTestEnvironment(t, true)
	env.provisioner.err = E.Cause(os.ErrNotExist, "open asset geoip-cn.srs")
	subscription, _, err := env.service.SubscribeStatus()
	require.NoError(t, err)
	defer env.service.UnsubscribeStatus(subscription)

	started, err := env.service.Start(context.Background(), testConfig)
	require.False(t, started)
	require.ErrorIs(t, err, ErrProvisioning)
	require.ErrorIs(t, err, os.ErrNotExist)
	waitStatus(t, subscription, StateFailed)
	waitStatus(t, subscription, StateIdle)
	require.Zero(t, env.constructed.Load())
	require.Zero(t, env.notifier.shown.Load())
	require.Zero(t, env.notifier.withdrawn.Load())
}

func TestEngineStartFailureReleasesTunnel(t *testing.T) {
	env := newTestEnvironment(t, true)
	env.configure = func(engine *fakeEngine) Engine {
		engine.openTun = true
		engine.startErr = E.New("bad outbound")
		return engine
	}
	started, err := env.service.Start(context.Background(), testConfig)
	require.False(t, started)
	require.ErrorIs(t, err, ErrEngineFailure)
	require.True(t, env.host.lastTunnel().closed.Load())
	require.Equal(t, StateIdle, env.service.Status().State)

	env.configure = func(engine *fakeEngine) Engine {
		engine.openTun = true
		return engine
	}
	started, err = env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	_, err = env.service.Stop()
	require.NoError(t, err)
	require.True(t, env.host.lastTunnel().closed.Load())
}

func TestStopDuringEngineStart(t *testing.T) {
	env := newTestEnvironment(t, true)
	env.configure = func(engine *fakeEngine) Engine {
		engine.startBlock = make(chan struct{})
		return engine
	}
	result := env.startAsync(testConfig)
	var engine *fakeEngine
	require.Eventually(t, func() bool {
		engine = env.lastEngine()
		return engine != nil
	}, 5*time.Second, 10*time.Millisecond)
	receive(t, engine.started)
	stopped, err := env.service.Stop()
	require.NoError(t, err)
	require.True(t, stopped)
	require.Equal(t, startResult{}, receive(t, result))
	require.False(t, env.service.IsRunning())
}

func TestRestartAfterStopDuringEngineCreate(t *testing.T) {
	env := newTestEnvironment(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	env.construct = func(configContent string) {
		if configContent == "first" {
			close(entered)
			<-release
		}
	}
	first := env.startAsync("first")
	receive(t, entered)
	stopped, err := env.service.Stop()
	require.NoError(t, err)
	require.True(t, stopped)
	require.Equal(t, StateIdle, env.service.Status().State)

	started, err := env.service.Start(context.Background(), "second")
	require.NoError(t, err)
	require.True(t, started)

	close(release)
	require.Equal(t, startResult{}, receive(t, first))
	require.True(t, env.service.IsRunning())
	env.service.serviceAccess.Lock()
	current := env.service.session
	env.service.serviceAccess.Unlock()
	require.NotNil(t, current)
	require.Equal(t, "second", current.ConfigContent())

	env.engineAccess.Lock()
	engines := append([]*fakeEngine(nil), env.engines...)
	env.engineAccess.Unlock()
	require.Len(t, engines, 2)
	select {
	case <-engines[0].closed:
		t.Fatal("running engine closed")
	default:
	}
	select {
	case <-engines[1].closed:
	default:
		t.Fatal("stopped engine left open")
	}
	require.Equal(t, int32(2), env.notifier.shown.Load())
	require.Equal(t, int32(1), env.notifier.withdrawn.Load())
}

func TestEngineFatalError(t *testing.T) {
	env := newTestEnvironment(t, true)
	var fatal *fatalEngine
	env.configure = func(engine *fakeEngine) Engine {
		engine.openTun = true
		fatal = &fatalEngine{fakeEngine: engine, done: make(chan struct{}), err: E.New("connection reset")}
		return fatal
	}
	subscription, _, err := env.service.SubscribeStatus()
	require.NoError(t, err)
	defer env.service.UnsubscribeStatus(subscription)
	started, err := env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	waitStatus(t, subscription, StateRunning)

	close(fatal.done)
	status := waitStatus(t, subscription, StateFailed)
	require.Contains(t, status.ErrorMessage, "connection reset")
	waitStatus(t, subscription, StateIdle)
	require.False(t, env.service.IsRunning())
	require.True(t, env.host.lastTunnel().closed.Load())
}

func TestPermissionRevoked(t *testing.T) {
	env := newTestEnvironment(t, true)
	env.service.PermissionRevoked()
	require.Zero(t, env.notifier.withdrawn.Load())
	started, err := env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	env.service.PermissionRevoked()
	require.False(t, env.service.IsRunning())
}

func TestStartWithAbsentRuleFiles(t *testing.T) {
	directory := t.TempDir()
	assets := fstest.MapFS{
		"assets/datas/geosite/geosite-private.srs": {Data: []byte("private")},
		"assets/datas/geosite/geosite-cn.srs":      {Data: []byte("site-cn")},
		"assets/datas/geoip/geoip-cn.srs":          {Data: []byte("ip-cn")},
	}
	env := newTestEnvironment(t, true)
	env.service.provisioner = provision.NewProvisioner(provision.Options{
		Assets:    assets,
		Directory: filepath.Join(directory, "run"),
	})
	env.service.cacheFile = filepath.Join(directory, "cache.db")
	started, err := env.service.Start(context.Background(), testConfig)
	require.NoError(t, err)
	require.True(t, started)
	for _, name := range []string{"geosite-private.srs", "geosite-cn.srs", "geoip-cn.srs"} {
		info, err := os.Stat(filepath.Join(directory, "run", name))
		require.NoError(t, err)
		require.NotZero(t, info.Size())
	}
	_, err = os.Stat(env.service.cacheFile)
	require.NoError(t, err)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "awaiting_permission_grant", StateAwaitingPermissionGrant.String())
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "state(42)", State(42).String())
}
