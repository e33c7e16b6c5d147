package command

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/session"
	"github.com/sagernet/sing/common/observable"

	"github.com/stretchr/testify/require"
)

type fakeStatusSource struct {
	subscriber *observable.Subscriber[session.ServiceStatus]
	observer   *observable.Observer[session.ServiceStatus]
	current    session.ServiceStatus
}

func newFakeStatusSource() *fakeStatusSource {
	subscriber := observable.NewSubscriber[session.ServiceStatus](4)
	return &fakeStatusSource{
		subscriber: subscriber,
		observer:   observable.NewObserver[session.ServiceStatus](subscriber, 4),
	}
}

func (s *fakeStatusSource) Status() session.ServiceStatus {
	return s.current
}

func (s *fakeStatusSource) SubscribeStatus() (observable.Subscription[session.ServiceStatus], <-chan struct{}, error) {
	return s.observer.Subscribe()
}

func (s *fakeStatusSource) UnsubscribeStatus(subscription observable.Subscription[session.ServiceStatus]) {
	s.observer.UnSubscribe(subscription)
}

func startTestServer(t *testing.T, controller Controller, status StatusSource) *Client {
	socketPath := filepath.Join(t.TempDir(), "command.sock")
	server := NewServer(ServerOptions{
		Dispatcher: NewDispatcher(DispatcherOptions{Controller: controller}),
		Status:     status,
		SocketPath: socketPath,
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Close()
	})
	return NewClient(ClientOptions{SocketPath: socketPath})
}

func TestServerCall(t *testing.T) {
	controller := &fakeController{granted: true}
	client := startTestServer(t, controller, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, MethodCheckPermission, nil)
	require.NoError(t, err)
	require.Equal(t, Success(true), result)

	result, err = client.Call(ctx, MethodStartVPN, map[string]any{"config": `{"inbounds":[]}`})
	require.NoError(t, err)
	require.Equal(t, Success(true), result)
	require.Equal(t, `{"inbounds":[]}`, controller.startConfig)

	result, err = client.Call(ctx, MethodStartVPN, nil)
	require.NoError(t, err)
	require.Equal(t, Error(CodeInvalidConfig, "missing config"), result)

	result, err = client.Call(ctx, "unknown", nil)
	require.NoError(t, err)
	require.Equal(t, NotImplemented(), result)
}

func TestServerTCP(t *testing.T) {
	server := NewServer(ServerOptions{
		Dispatcher: NewDispatcher(DispatcherOptions{Controller: &fakeController{running: true}}),
		ListenPort: 18964,
	})
	require.NoError(t, server.Start())
	defer server.Close()
	client := NewClient(ClientOptions{ListenPort: 18964})
	result, err := client.Call(context.Background(), MethodIsRunning, nil)
	require.NoError(t, err)
	require.Equal(t, Success(true), result)
}

func TestServerSubscribeStatus(t *testing.T) {
	status := newFakeStatusSource()
	client := startTestServer(t, &fakeController{}, status)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	statusCh := make(chan session.ServiceStatus, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.SubscribeStatus(ctx, func(status session.ServiceStatus) {
			statusCh <- status
		})
	}()
	require.Equal(t, session.ServiceStatus{State: session.StateIdle}, <-statusCh)

	status.subscriber.Emit(session.ServiceStatus{State: session.StateStarting})
	status.subscriber.Emit(session.ServiceStatus{State: session.StateFailed, ErrorMessage: "engine failure: exit"})

	require.Equal(t, session.StateStarting, (<-statusCh).State)
	failed := <-statusCh
	require.Equal(t, session.StateFailed, failed.State)
	require.Equal(t, "engine failure: exit", failed.ErrorMessage)

	cancel()
	require.NoError(t, <-errCh)
}

func TestClientRetryGivesUp(t *testing.T) {
	client := NewClient(ClientOptions{SocketPath: filepath.Join(t.TempDir(), "missing.sock")})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, MethodIsRunning, nil)
	require.Error(t, err)
}

func TestServerSubscribeLog(t *testing.T) {
	logFactory := log.NewObservableFactory(log.Formatter{DisableColors: true}, io.Discard, nil)
	socketPath := filepath.Join(t.TempDir(), "command.sock")
	server := NewServer(ServerOptions{
		Dispatcher: NewDispatcher(DispatcherOptions{Controller: &fakeController{}}),
		LogFactory: logFactory,
		SocketPath: socketPath,
	})
	require.NoError(t, server.Start())
	defer server.Close()
	client := NewClient(ClientOptions{SocketPath: socketPath})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries := make(chan log.Entry, 8)
	subscribed := make(chan struct{})
	go func() {
		client.SubscribeLog(ctx, func(entry log.Entry) {
			entries <- entry
		})
	}()
	go func() {
		logger := logFactory.NewLogger("session")
		for {
			select {
			case <-subscribed:
				return
			case <-time.After(20 * time.Millisecond):
				logger.Info("state: running")
			}
		}
	}()
	entry := <-entries
	close(subscribed)
	require.Equal(t, log.LevelInfo, entry.Level)
	require.Equal(t, "session: state: running", entry.Message)
}

func TestServerSubscribeLogUnavailable(t *testing.T) {
	client := startTestServer(t, &fakeController{}, nil)
	err := client.SubscribeLog(context.Background(), func(entry log.Entry) {})
	require.ErrorContains(t, err, "not implemented")
}
