package command

import (
	"context"
	"net"
	"net/netip"
	"time"

	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/session"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

type ClientOptions struct {
	SocketPath string
	ListenPort uint16
}

type Client struct {
	socketPath string
	listenPort uint16
}

func NewClient(options ClientOptions) *Client {
	client := &Client{
		socketPath: options.SocketPath,
		listenPort: options.ListenPort,
	}
	if client.socketPath == "" && client.listenPort == 0 {
		client.socketPath = C.BasePath(C.CommandSocketName)
	}
	return client
}

func (c *Client) Call(ctx context.Context, method string, args map[string]any) (Result, error) {
	conn, err := c.directConnectWithRetry(ctx)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()
	err = writeRequest(conn, method, args)
	if err != nil {
		return Result{}, err
	}
	return readResult(conn)
}

// SubscribeStatus delivers every status frame to handler until ctx is done
// or the server goes away.
func (c *Client) SubscribeStatus(ctx context.Context, handler func(status session.ServiceStatus)) error {
	return c.subscribe(ctx, MethodSubscribeStatus, func(conn net.Conn) error {
		status, err := readStatus(conn)
		if err != nil {
			return err
		}
		handler(status)
		return nil
	})
}

func (c *Client) SubscribeLog(ctx context.Context, handler func(entry log.Entry)) error {
	return c.subscribe(ctx, MethodSubscribeLog, func(conn net.Conn) error {
		entry, err := readLogEntry(conn)
		if err != nil {
			return err
		}
		handler(entry)
		return nil
	})
}

func (c *Client) subscribe(ctx context.Context, method string, readFrame func(conn net.Conn) error) error {
	conn, err := c.directConnectWithRetry(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()
	err = writeRequest(conn, method, nil)
	if err != nil {
		return err
	}
	result, err := readResult(conn)
	if err != nil {
		return err
	}
	if result.Kind != ResultSuccess {
		return E.New(method, ": ", result)
	}
	for {
		err = readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) directConnect(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	if c.listenPort > 0 {
		return dialer.DialContext(ctx, "tcp", M.SocksaddrFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), c.listenPort).String())
	}
	return dialer.DialContext(ctx, "unix", c.socketPath)
}

func (c *Client) directConnectWithRetry(ctx context.Context) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	for i := 0; i < 10; i++ {
		conn, err = c.directConnect(ctx)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100+i*50) * time.Millisecond):
		}
	}
	return nil, E.Cause(err, "connect command server")
}

func closeOnDone(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
