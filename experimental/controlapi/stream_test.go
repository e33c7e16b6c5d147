package controlapi

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sagernet/sing-vpn/command"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/option"
	"github.com/sagernet/sing-vpn/session"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/observable"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

type observableStatus struct {
	subscriber *observable.Subscriber[session.ServiceStatus]
	observer   *observable.Observer[session.ServiceStatus]
	current    session.ServiceStatus
}

func newObservableStatus() *observableStatus {
	subscriber := observable.NewSubscriber[session.ServiceStatus](4)
	return &observableStatus{
		subscriber: subscriber,
		observer:   observable.NewObserver[session.ServiceStatus](subscriber, 4),
		current:    session.ServiceStatus{State: session.StateIdle},
	}
}

func (s *observableStatus) Status() session.ServiceStatus {
	return s.current
}

func (s *observableStatus) SubscribeStatus() (observable.Subscription[session.ServiceStatus], <-chan struct{}, error) {
	return s.observer.Subscribe()
}

func (s *observableStatus) UnsubscribeStatus(subscription observable.Subscription[session.ServiceStatus]) {
	s.observer.UnSubscribe(subscription)
}

func startStreamServer(t *testing.T, status command.StatusSource, logFactory log.ObservableFactory, secret string) *httptest.Server {
	server := NewServer(Options{
		Context:    context.Background(),
		LogFactory: logFactory,
		Dispatcher: command.NewDispatcher(command.DispatcherOptions{Controller: &fakeController{}}),
		Status:     status,
		Options:    option.ControlAPIOptions{Secret: secret},
	})
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer
}

func TestStatusWebSocket(t *testing.T) {
	status := newObservableStatus()
	httpServer := startStreamServer(t, status, nil, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, httpServer.URL+"/status?token=secret", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var response statusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &response))
	require.Equal(t, "idle", response.State)
	require.False(t, response.Running)

	status.subscriber.Emit(session.ServiceStatus{State: session.StateRunning})
	require.NoError(t, wsjson.Read(ctx, conn, &response))
	require.Equal(t, "running", response.State)
	require.True(t, response.Running)
}

func TestStatusWebSocketBadToken(t *testing.T) {
	httpServer := startStreamServer(t, newObservableStatus(), nil, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, response, err := websocket.Dial(ctx, httpServer.URL+"/status?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, response)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestLogsChunked(t *testing.T) {
	logFactory := log.NewObservableFactory(log.Formatter{DisableColors: true}, io.Discard, nil)
	httpServer := startStreamServer(t, newObservableStatus(), logFactory, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/logs?level=warn", nil)
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	done := make(chan struct{})
	defer close(done)
	go func() {
		logger := logFactory.NewLogger("session")
		for {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
				logger.Info("filtered")
				logger.Warn("uplink lost")
			}
		}
	}()

	line, err := bufio.NewReader(response.Body).ReadString('\n')
	require.NoError(t, err)
	var entry logResponse
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &entry))
	require.Equal(t, "warn", entry.Type)
	require.Equal(t, "session: uplink lost", entry.Payload)
}

func TestLogsBadLevel(t *testing.T) {
	logFactory := log.NewObservableFactory(log.Formatter{DisableColors: true}, io.Discard, nil)
	httpServer := startStreamServer(t, newObservableStatus(), logFactory, "")
	response, err := http.Get(httpServer.URL + "/logs?level=verbose")
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestLogsUnavailable(t *testing.T) {
	httpServer := startStreamServer(t, newObservableStatus(), nil, "")
	response, err := http.Get(httpServer.URL + "/logs")
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusNotImplemented, response.StatusCode)
}
