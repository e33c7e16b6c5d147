package session

import F "github.com/sagernet/sing/common/format"

type State uint8

const (
	StateIdle State = iota
	StateCheckingPermission
	StateAwaitingPermissionGrant
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingPermission:
		return "checking_permission"
	case StateAwaitingPermissionGrant:
		return "awaiting_permission_grant"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return F.ToString("state(", uint8(s), ")")
	}
}

type ServiceStatus struct {
	State        State
	ErrorMessage string
}
