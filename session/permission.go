package session

import (
	"context"

	E "github.com/sagernet/sing/common/exceptions"

	"github.com/gofrs/uuid/v5"
)

// PermissionProvider is the host side of the consent flow. RequestPermission
// must eventually be answered through Service.OnPermissionResult with the
// same request ID, including when the user dismisses the prompt.
type PermissionProvider interface {
	CheckPermission() (bool, error)
	RequestPermission(requestID string) error
}

type pendingRequest struct {
	id      string
	done    chan struct{}
	granted bool
}

func (s *Service) CheckPermission() (bool, error) {
	return s.permission.CheckPermission()
}

// RequestPermission returns immediately when permission is already held.
// Otherwise it asks the host and waits for the matching result.
func (s *Service) RequestPermission(ctx context.Context) (bool, error) {
	granted, err := s.permission.CheckPermission()
	if err != nil {
		return false, E.Cause(err, "check permission")
	}
	if granted {
		return true, nil
	}
	request, err := s.newPendingRequest()
	if err != nil {
		return false, err
	}
	s.logger.DebugContext(ctx, "requesting permission, request ", request.id)
	err = s.permission.RequestPermission(request.id)
	if err != nil {
		s.clearPendingRequest(request)
		return false, E.Cause(err, "request permission")
	}
	select {
	case <-request.done:
		return request.granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Service) newPendingRequest() (*pendingRequest, error) {
	s.permissionAccess.Lock()
	defer s.permissionAccess.Unlock()
	if s.pendingRequest != nil {
		return nil, ErrPermissionPending
	}
	requestID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	request := &pendingRequest{
		id:   requestID.String(),
		done: make(chan struct{}),
	}
	s.pendingRequest = request
	return request, nil
}

func (s *Service) clearPendingRequest(request *pendingRequest) {
	s.permissionAccess.Lock()
	defer s.permissionAccess.Unlock()
	if s.pendingRequest == request {
		s.pendingRequest = nil
	}
}

// OnPermissionResult delivers the host's answer. Results for unknown or
// already answered requests are dropped.
func (s *Service) OnPermissionResult(requestID string, granted bool) {
	s.permissionAccess.Lock()
	request := s.pendingRequest
	if request == nil || request.id != requestID {
		s.permissionAccess.Unlock()
		s.logger.Warn("ignored permission result for unknown request ", requestID)
		return
	}
	s.pendingRequest = nil
	request.granted = granted
	close(request.done)
	s.permissionAccess.Unlock()
	s.logger.Info("permission request ", requestID, " resolved, granted: ", granted)
}

func (s *Service) PendingPermissionRequest() (string, bool) {
	s.permissionAccess.Lock()
	defer s.permissionAccess.Unlock()
	if s.pendingRequest == nil {
		return "", false
	}
	return s.pendingRequest.id, true
}
