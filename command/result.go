package command

import (
	"github.com/sagernet/sing-vpn/common/baderror"
	"github.com/sagernet/sing-vpn/session"
	F "github.com/sagernet/sing/common/format"
)

type ResultKind uint8

const (
	ResultSuccess ResultKind = iota
	ResultError
	ResultNotImplemented
)

type Result struct {
	Kind    ResultKind
	Value   bool
	Code    string
	Message string
}

func Success(value bool) Result {
	return Result{Kind: ResultSuccess, Value: value}
}

func Error(code string, message string) Result {
	return Result{Kind: ResultError, Code: code, Message: message}
}

func NotImplemented() Result {
	return Result{Kind: ResultNotImplemented}
}

func (r Result) String() string {
	switch r.Kind {
	case ResultSuccess:
		return F.ToString(r.Value)
	case ResultError:
		return r.Code + ": " + r.Message
	default:
		return "not implemented"
	}
}

const (
	CodePermissionDenied          = "PERMISSION_DENIED"
	CodePermissionPending         = "PERMISSION_PENDING"
	CodeProvisioningFailed        = "PROVISIONING_FAILED"
	CodeTunnelEstablishmentFailed = "TUNNEL_ESTABLISHMENT_FAILED"
	CodeInvalidConfig             = "INVALID_CONFIG"
	CodeInvalidArgument           = "INVALID_ARGUMENT"
	CodeEngineFailure             = "ENGINE_FAILURE"
	CodeAlreadyStarted            = "ALREADY_STARTED"
	CodeInternal                  = "INTERNAL"
)

var errorCodes = map[error]string{
	session.ErrPermissionDenied:    CodePermissionDenied,
	session.ErrPermissionPending:   CodePermissionPending,
	session.ErrProvisioning:        CodeProvisioningFailed,
	session.ErrTunnelEstablishment: CodeTunnelEstablishmentFailed,
	session.ErrInvalidArgument:     CodeInvalidArgument,
	session.ErrEngineFailure:       CodeEngineFailure,
	session.ErrAlreadyStarted:      CodeAlreadyStarted,
}

func ErrorCode(err error) string {
	kind := baderror.Kind(err, session.ErrorKinds...)
	if kind == nil {
		return CodeInternal
	}
	return errorCodes[kind]
}

func errorResult(err error) Result {
	return Error(ErrorCode(err), err.Error())
}
