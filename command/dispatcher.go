package command

import (
	"context"
	"sync"

	"github.com/sagernet/sing-vpn/log"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

const (
	MethodCheckPermission   = "checkPermission"
	MethodRequestPermission = "requestPermission"
	MethodPermissionResult  = "permissionResult"
	MethodStartVPN          = "startVpn"
	MethodStopVPN           = "stopVpn"
	MethodIsRunning         = "isRunning"
	MethodRefreshRules      = "refreshRules"
)

type Controller interface {
	CheckPermission() (bool, error)
	RequestPermission(ctx context.Context) (bool, error)
	OnPermissionResult(requestID string, granted bool)
	Start(ctx context.Context, configContent string) (bool, error)
	Stop() (bool, error)
	IsRunning() bool
}

type RuleRefresher interface {
	Refresh(ctx context.Context) error
}

type DispatcherOptions struct {
	Logger     log.ContextLogger
	Controller Controller
	Refresher  RuleRefresher
}

// Dispatcher maps channel commands onto the session service. Synchronous
// commands run one at a time; requestPermission and startVpn may suspend on
// the permission prompt and run outside the command lock.
type Dispatcher struct {
	logger     log.ContextLogger
	controller Controller
	refresher  RuleRefresher
	access     sync.Mutex
}

func NewDispatcher(options DispatcherOptions) *Dispatcher {
	dispatcher := &Dispatcher{
		logger:     options.Logger,
		controller: options.Controller,
		refresher:  options.Refresher,
	}
	if dispatcher.logger == nil {
		dispatcher.logger = log.NewNOPFactory().Logger()
	}
	return dispatcher
}

func (d *Dispatcher) Dispatch(ctx context.Context, method string, args map[string]any) (result Result) {
	ctx = log.ContextWithNewID(ctx)
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.ErrorContext(ctx, "panic in ", method, ": ", recovered)
			result = Error(CodeInternal, F.ToString("panic: ", recovered))
		}
	}()
	d.logger.DebugContext(ctx, "dispatch ", method)
	switch method {
	case MethodRequestPermission:
		return boolResult(d.controller.RequestPermission(ctx))
	case MethodStartVPN:
		configContent, loaded := args["config"].(string)
		if !loaded || configContent == "" {
			return Error(CodeInvalidConfig, "missing config")
		}
		return boolResult(d.controller.Start(ctx, configContent))
	}
	d.access.Lock()
	defer d.access.Unlock()
	switch method {
	case MethodCheckPermission:
		return boolResult(d.controller.CheckPermission())
	case MethodPermissionResult:
		requestID, loaded := args["requestId"].(string)
		if !loaded || requestID == "" {
			return Error(CodeInvalidArgument, "missing requestId")
		}
		granted, loaded := args["granted"].(bool)
		if !loaded {
			return Error(CodeInvalidArgument, "missing granted")
		}
		d.controller.OnPermissionResult(requestID, granted)
		return Success(true)
	case MethodStopVPN:
		return boolResult(d.controller.Stop())
	case MethodIsRunning:
		return Success(d.controller.IsRunning())
	case MethodRefreshRules:
		if d.refresher == nil {
			return NotImplemented()
		}
		err := d.refresher.Refresh(ctx)
		if err != nil {
			d.logger.ErrorContext(ctx, E.Cause(err, "refresh rules"))
			return errorResult(err)
		}
		return Success(true)
	default:
		return NotImplemented()
	}
}

func boolResult(value bool, err error) Result {
	if err != nil {
		return errorResult(err)
	}
	return Success(value)
}
