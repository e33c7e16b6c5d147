package session

import (
	"errors"

	"github.com/sagernet/sing-vpn/common/baderror"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing-vpn/provision"
	E "github.com/sagernet/sing/common/exceptions"
)

var (
	ErrPermissionDenied    = E.New("permission denied")
	ErrPermissionPending   = E.New("permission request already pending")
	ErrProvisioning        = provision.ErrProvisioning
	ErrTunnelEstablishment = platform.ErrTunnelEstablishment
	ErrInvalidArgument     = E.New("invalid argument")
	ErrEngineFailure       = E.New("engine failure")
	ErrAlreadyStarted      = E.New("already started")
)

// ErrorKinds lists every taxonomy error in matching order.
var ErrorKinds = []error{
	ErrPermissionDenied,
	ErrPermissionPending,
	ErrProvisioning,
	ErrTunnelEstablishment,
	ErrInvalidArgument,
	ErrEngineFailure,
	ErrAlreadyStarted,
}

func withKind(kind error, err error, message ...any) error {
	if errors.Is(err, kind) {
		if len(message) > 0 {
			return E.Cause(err, message...)
		}
		return err
	}
	return baderror.WithKind(kind, err, message...)
}

// engineError keeps tunnel failures reported by the engine in their own kind.
func engineError(err error, message ...any) error {
	if errors.Is(err, ErrTunnelEstablishment) {
		return withKind(ErrTunnelEstablishment, err, message...)
	}
	return withKind(ErrEngineFailure, err, message...)
}
