//go:build linux

package linux

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	E "github.com/sagernet/sing/common/exceptions"

	"golang.org/x/sys/unix"
)

// PermissionProvider grants tunnel creation when the process holds
// CAP_NET_ADMIN. There is no interactive consent on Linux, so requests
// resolve with the current capability state.
type PermissionProvider struct {
	procStatusPath string
	access         sync.Mutex
	handler        func(requestID string, granted bool)
}

func NewPermissionProvider(host *Host) *PermissionProvider {
	return &PermissionProvider{procStatusPath: host.procStatusPath}
}

func (p *PermissionProvider) SetResultHandler(handler func(requestID string, granted bool)) {
	p.access.Lock()
	defer p.access.Unlock()
	p.handler = handler
}

func (p *PermissionProvider) CheckPermission() (bool, error) {
	return hasCapability(p.procStatusPath, unix.CAP_NET_ADMIN)
}

func (p *PermissionProvider) RequestPermission(requestID string) error {
	p.access.Lock()
	handler := p.handler
	p.access.Unlock()
	if handler == nil {
		return E.New("missing permission result handler")
	}
	granted, err := p.CheckPermission()
	if err != nil {
		return err
	}
	go handler(requestID, granted)
	return nil
}

func hasCapability(procStatusPath string, capability int) (bool, error) {
	statusFile, err := os.Open(procStatusPath)
	if err != nil {
		return false, err
	}
	defer statusFile.Close()
	scanner := bufio.NewScanner(statusFile)
	for scanner.Scan() {
		value, loaded := strings.CutPrefix(scanner.Text(), "CapEff:")
		if !loaded {
			continue
		}
		effective, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return false, E.Cause(err, "parse CapEff")
		}
		return effective&(1<<uint(capability)) != 0, nil
	}
	err = scanner.Err()
	if err != nil {
		return false, err
	}
	return false, E.New("CapEff not found in ", procStatusPath)
}
