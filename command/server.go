package command

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/session"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing/common/observable"
)

type StatusSource interface {
	Status() session.ServiceStatus
	SubscribeStatus() (observable.Subscription[session.ServiceStatus], <-chan struct{}, error)
	UnsubscribeStatus(subscription observable.Subscription[session.ServiceStatus])
}

type ServerOptions struct {
	Context    context.Context
	Logger     log.ContextLogger
	Dispatcher *Dispatcher
	Status     StatusSource
	LogFactory log.ObservableFactory
	SocketPath string
	ListenPort uint16
}

// Server exposes a Dispatcher on a local socket. Each connection carries one
// request and its result, or a status subscription.
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     log.ContextLogger
	dispatcher *Dispatcher
	status     StatusSource
	logFactory log.ObservableFactory
	socketPath string
	listenPort uint16
	listener   net.Listener
}

func NewServer(options ServerOptions) *Server {
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:        ctx,
		cancel:     cancel,
		logger:     options.Logger,
		dispatcher: options.Dispatcher,
		status:     options.Status,
		logFactory: options.LogFactory,
		socketPath: options.SocketPath,
		listenPort: options.ListenPort,
	}
	if server.logger == nil {
		server.logger = log.NewNOPFactory().Logger()
	}
	if server.socketPath == "" && server.listenPort == 0 {
		server.socketPath = C.BasePath(C.CommandSocketName)
	}
	return server
}

func (s *Server) Start() error {
	var (
		listener net.Listener
		err      error
	)
	if s.listenPort > 0 {
		listener, err = net.ListenTCP("tcp", M.SocksaddrFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), s.listenPort).TCPAddr())
		if err != nil {
			return E.Cause(err, "listen command server")
		}
	} else {
		err = os.MkdirAll(filepath.Dir(s.socketPath), 0o755)
		if err != nil {
			return err
		}
		os.Remove(s.socketPath)
		listener, err = net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
		if err != nil {
			return E.Cause(err, "listen command server")
		}
	}
	s.listener = listener
	s.logger.Info("command server listening at ", listener.Addr())
	go s.loopConnection(listener)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Close() error {
	s.cancel()
	err := common.Close(s.listener)
	if s.listenPort == 0 && s.listener != nil {
		os.Remove(s.socketPath)
	}
	return err
}

func (s *Server) loopConnection(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go func() {
			hErr := s.handleConnection(conn)
			if hErr != nil && !E.IsClosedOrCanceled(hErr) {
				s.logger.Error(E.Cause(hErr, "command connection"))
			}
			conn.Close()
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) error {
	method, args, err := readRequest(conn)
	if err != nil {
		if method == "" {
			return E.Cause(err, "read request")
		}
		return writeResult(conn, Error(CodeInvalidArgument, err.Error()))
	}
	switch method {
	case MethodSubscribeStatus:
		return s.handleStatusConn(conn)
	case MethodSubscribeLog:
		return s.handleLogConn(conn)
	}
	result := s.dispatcher.Dispatch(s.ctx, method, args)
	return writeResult(conn, result)
}

func (s *Server) handleStatusConn(conn net.Conn) error {
	if s.status == nil {
		return writeResult(conn, NotImplemented())
	}
	subscription, done, err := s.status.SubscribeStatus()
	if err != nil {
		return writeResult(conn, Error(CodeInternal, err.Error()))
	}
	defer s.status.UnsubscribeStatus(subscription)
	err = writeResult(conn, Success(true))
	if err != nil {
		return err
	}
	err = writeStatus(conn, s.status.Status())
	if err != nil {
		return err
	}
	closed := waitClosed(conn)
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-closed:
			return nil
		case <-done:
			return nil
		case status := <-subscription:
			err = writeStatus(conn, status)
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleLogConn(conn net.Conn) error {
	if s.logFactory == nil {
		return writeResult(conn, NotImplemented())
	}
	subscription, done, err := s.logFactory.Subscribe()
	if err != nil {
		return writeResult(conn, Error(CodeInternal, err.Error()))
	}
	defer s.logFactory.UnSubscribe(subscription)
	err = writeResult(conn, Success(true))
	if err != nil {
		return err
	}
	closed := waitClosed(conn)
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-closed:
			return nil
		case <-done:
			return nil
		case entry := <-subscription:
			err = writeLogEntry(conn, entry)
			if err != nil {
				return err
			}
		}
	}
}

// waitClosed reports when the peer hangs up. Subscribers never send after
// the request.
func waitClosed(conn net.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		var buffer [1]byte
		conn.Read(buffer[:])
		close(closed)
	}()
	return closed
}
