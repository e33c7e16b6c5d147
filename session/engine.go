package session

import (
	"context"

	"github.com/sagernet/sing-vpn/platform"
)

// Engine is the packet routing engine driven by a session. Close must be
// safe to call more than once.
type Engine interface {
	Start() error
	Close() error
}

type EngineConstructor func(ctx context.Context, configContent string, platformInterface platform.Interface) (Engine, error)

// FatalNotifier is implemented by engines that can die on their own.
type FatalNotifier interface {
	Done() <-chan struct{}
	Err() error
}

type Notifier interface {
	ShowNotification(ctx context.Context, notification *platform.Notification) error
	WithdrawNotification(ctx context.Context) error
}

type RuleProvisioner interface {
	Ensure(ctx context.Context) error
}
