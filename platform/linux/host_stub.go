//go:build !linux

package linux

import (
	"context"
	"os"

	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/platform"
)

type HostOptions struct {
	Context         context.Context
	Logger          log.ContextLogger
	ResolvConfPath  string
	SysClassNetPath string
	ProcStatusPath  string
	AppName         string
}

type Host struct {
	platform.Host
}

func NewHost(options HostOptions) (*Host, error) {
	return nil, os.ErrInvalid
}

func (h *Host) Close() error {
	return nil
}

type PermissionProvider struct{}

func NewPermissionProvider(host *Host) *PermissionProvider {
	return &PermissionProvider{}
}

func (p *PermissionProvider) SetResultHandler(handler func(requestID string, granted bool)) {
}

func (p *PermissionProvider) CheckPermission() (bool, error) {
	return false, os.ErrInvalid
}

func (p *PermissionProvider) RequestPermission(requestID string) error {
	return os.ErrInvalid
}

func (h *Host) ShowNotification(ctx context.Context, notification *platform.Notification) error {
	return os.ErrInvalid
}

func (h *Host) WithdrawNotification(ctx context.Context) error {
	return os.ErrInvalid
}
