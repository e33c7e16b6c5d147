package controlapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sagernet/cors"
	"github.com/sagernet/sing-vpn/command"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/option"
	"github.com/sagernet/sing-vpn/session"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type Options struct {
	Context    context.Context
	Logger     log.ContextLogger
	LogFactory log.ObservableFactory
	Dispatcher *command.Dispatcher
	Status     command.StatusSource
	Options    option.ControlAPIOptions
}

type Server struct {
	logger     log.ContextLogger
	logFactory log.ObservableFactory
	dispatcher *command.Dispatcher
	status     command.StatusSource
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(options Options) *Server {
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	chiRouter := chi.NewRouter()
	server := &Server{
		logger:     options.Logger,
		logFactory: options.LogFactory,
		dispatcher: options.Dispatcher,
		status:     options.Status,
		httpServer: &http.Server{
			Addr:    options.Options.Listen,
			Handler: chiRouter,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
	}
	if server.logger == nil {
		server.logger = log.NewNOPFactory().Logger()
	}
	cors := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	chiRouter.Use(cors.Handler)
	chiRouter.Group(func(r chi.Router) {
		r.Use(authentication(options.Options.Secret))
		r.Get("/permission", server.dispatch(command.MethodCheckPermission, false))
		r.Post("/permission", server.dispatch(command.MethodRequestPermission, false))
		r.Post("/permission/result", server.dispatch(command.MethodPermissionResult, true))
		r.Post("/start", server.dispatch(command.MethodStartVPN, true))
		r.Post("/stop", server.dispatch(command.MethodStopVPN, false))
		r.Get("/running", server.dispatch(command.MethodIsRunning, false))
		r.Get("/status", server.getStatus)
		r.Get("/logs", server.getLogs)
		r.Post("/rules/refresh", server.dispatch(command.MethodRefreshRules, false))
	})
	return server
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "control api listen error")
	}
	s.listener = listener
	s.logger.Info("control api listening at ", listener.Addr())
	go func() {
		err = s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control api serve error: ", err)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	return common.Close(common.PtrOrNil(s.httpServer))
}

type resultResponse struct {
	Result bool `json:"result"`
}

func (s *Server) dispatch(method string, withBody bool) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		if withBody {
			err := render.DecodeJSON(r.Body, &args)
			if err != nil {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, ErrBadRequest)
				return
			}
		}
		result := s.dispatcher.Dispatch(r.Context(), method, args)
		switch result.Kind {
		case command.ResultSuccess:
			render.JSON(w, r, resultResponse{result.Value})
		case command.ResultNotImplemented:
			render.Status(r, http.StatusNotImplemented)
			render.JSON(w, r, newError("not implemented"))
		default:
			render.Status(r, statusCode(result.Code))
			render.JSON(w, r, &HTTPError{Code: result.Code, Message: result.Message})
		}
	}
}

type statusResponse struct {
	State   string `json:"state"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func newStatusResponse(status session.ServiceStatus) statusResponse {
	return statusResponse{
		State:   status.State.String(),
		Running: status.State == session.StateRunning,
		Error:   status.ErrorMessage,
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		render.JSON(w, r, newStatusResponse(s.status.Status()))
		return
	}
	subscription, done, err := s.status.SubscribeStatus()
	if err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, newError(err.Error()))
		return
	}
	defer s.status.UnsubscribeStatus(subscription)
	stream, err := newStreamWriter(w, r)
	if err != nil {
		return
	}
	defer stream.Close()
	err = stream.Write(newStatusResponse(s.status.Status()))
	for err == nil {
		select {
		case <-stream.Done():
			return
		case <-done:
			return
		case status := <-subscription:
			err = stream.Write(newStatusResponse(status))
		}
	}
}

type logResponse struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	levelText := r.URL.Query().Get("level")
	if levelText == "" {
		levelText = "info"
	}
	level, err := log.ParseLevel(levelText)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrBadRequest)
		return
	}
	if s.logFactory == nil {
		render.Status(r, http.StatusNotImplemented)
		render.JSON(w, r, newError("not implemented"))
		return
	}
	subscription, done, err := s.logFactory.Subscribe()
	if err != nil {
		render.Status(r, http.StatusNoContent)
		return
	}
	defer s.logFactory.UnSubscribe(subscription)
	stream, err := newStreamWriter(w, r)
	if err != nil {
		return
	}
	defer stream.Close()
	for err == nil {
		select {
		case <-stream.Done():
			return
		case <-done:
			return
		case entry := <-subscription:
			if entry.Level > level {
				continue
			}
			err = stream.Write(logResponse{
				Type:    log.FormatLevel(entry.Level),
				Payload: entry.Message,
			})
		}
	}
}

func statusCode(code string) int {
	switch code {
	case command.CodeInvalidConfig, command.CodeInvalidArgument:
		return http.StatusBadRequest
	case command.CodePermissionDenied:
		return http.StatusForbidden
	case command.CodePermissionPending, command.CodeAlreadyStarted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func authentication(serverSecret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if serverSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			// browsers cannot set headers on websocket requests
			if isWebSocketUpgrade(r) && r.URL.Query().Get("token") != "" {
				if r.URL.Query().Get("token") != serverSecret {
					render.Status(r, http.StatusUnauthorized)
					render.JSON(w, r, ErrUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			bearer, token, found := strings.Cut(header, " ")
			if bearer != "Bearer" || !found || token != serverSecret {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
