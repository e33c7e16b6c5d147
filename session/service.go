package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sagernet/sing-vpn/common/taskmonitor"
	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing-vpn/provision"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/observable"
)

type ServiceOptions struct {
	Context           context.Context
	LogFactory        log.Factory
	Host              platform.Host
	Permission        PermissionProvider
	Provisioner       RuleProvisioner
	EngineConstructor EngineConstructor
	Notifier          Notifier
	Notification      *platform.Notification
	// CacheFile is prepared before each start when set.
	CacheFile          string
	SessionName        string
	ProtectTimeout     time.Duration
	RecordServiceError bool
}

// Session is the tunnel lifecycle in progress or running.
type Session struct {
	configContent string
	engine        Engine
	platform      *platform.Adapter
	cancel        context.CancelFunc
}

func (s *Session) ConfigContent() string {
	return s.configContent
}

type Service struct {
	ctx                context.Context
	logger             log.ContextLogger
	logFactory         log.Factory
	host               platform.Host
	permission         PermissionProvider
	provisioner        RuleProvisioner
	engineConstructor  EngineConstructor
	notifier           Notifier
	notification       *platform.Notification
	cacheFile          string
	sessionName        string
	protectTimeout     time.Duration
	recordServiceError bool

	serviceAccess     sync.Mutex
	serviceStatus     ServiceStatus
	session           *Session
	notificationOwner *Session
	startCancel       context.CancelFunc
	statusSubscriber  *observable.Subscriber[ServiceStatus]
	statusObserver    *observable.Observer[ServiceStatus]

	permissionAccess sync.Mutex
	pendingRequest   *pendingRequest
}

func NewService(options ServiceOptions) *Service {
	s := &Service{
		ctx:                options.Context,
		logFactory:         options.LogFactory,
		host:               options.Host,
		permission:         options.Permission,
		provisioner:        options.Provisioner,
		engineConstructor:  options.EngineConstructor,
		notifier:           options.Notifier,
		notification:       options.Notification,
		cacheFile:          options.CacheFile,
		sessionName:        options.SessionName,
		protectTimeout:     options.ProtectTimeout,
		recordServiceError: options.RecordServiceError,
		serviceStatus:      ServiceStatus{State: StateIdle},
		statusSubscriber:   observable.NewSubscriber[ServiceStatus](16),
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.logFactory == nil {
		s.logFactory = log.NewNOPFactory()
	}
	s.logger = s.logFactory.NewLogger("session")
	s.statusObserver = observable.NewObserver(s.statusSubscriber, 16)
	return s
}

func (s *Service) updateStatus(state State) {
	status := ServiceStatus{State: state}
	s.serviceStatus = status
	s.statusSubscriber.Emit(status)
	s.logger.Debug("state: ", state)
}

// updateStatusError reports a failure and settles back to idle.
func (s *Service) updateStatusError(err error) {
	status := ServiceStatus{State: StateFailed, ErrorMessage: err.Error()}
	s.serviceStatus = status
	s.statusSubscriber.Emit(status)
	s.logger.Error(err)
	s.updateStatus(StateIdle)
}

func (s *Service) Status() ServiceStatus {
	s.serviceAccess.Lock()
	defer s.serviceAccess.Unlock()
	return s.serviceStatus
}

func (s *Service) SubscribeStatus() (subscription observable.Subscription[ServiceStatus], done <-chan struct{}, err error) {
	return s.statusObserver.Subscribe()
}

func (s *Service) UnsubscribeStatus(subscription observable.Subscription[ServiceStatus]) {
	s.statusObserver.UnSubscribe(subscription)
}

func (s *Service) IsRunning() bool {
	s.serviceAccess.Lock()
	defer s.serviceAccess.Unlock()
	return s.serviceStatus.State == StateRunning
}

// Start runs the full start sequence. It returns (false, nil) when a stop
// request interrupts it.
func (s *Service) Start(ctx context.Context, configContent string) (bool, error) {
	if configContent == "" {
		return false, E.Cause(ErrInvalidArgument, "empty config")
	}
	ctx = log.ContextWithNewID(ctx)
	s.serviceAccess.Lock()
	switch s.serviceStatus.State {
	case StateIdle:
	case StateRunning:
		s.serviceAccess.Unlock()
		s.logger.InfoContext(ctx, "already running")
		return true, nil
	default:
		state := s.serviceStatus.State
		s.serviceAccess.Unlock()
		return false, E.Cause(ErrAlreadyStarted, "state: ", state)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.startCancel = cancel
	s.updateStatus(StateCheckingPermission)
	s.serviceAccess.Unlock()

	granted, err := s.permission.CheckPermission()
	if err == nil && !granted {
		s.serviceAccess.Lock()
		if s.serviceStatus.State != StateCheckingPermission {
			s.serviceAccess.Unlock()
			return false, nil
		}
		s.updateStatus(StateAwaitingPermissionGrant)
		s.serviceAccess.Unlock()
		s.logger.InfoContext(ctx, "permission required, waiting for grant")
		granted, err = s.RequestPermission(ctx)
	}

	s.serviceAccess.Lock()
	s.startCancel = nil
	switch s.serviceStatus.State {
	case StateCheckingPermission, StateAwaitingPermissionGrant:
	default:
		s.serviceAccess.Unlock()
		s.logger.InfoContext(ctx, "start canceled")
		return false, nil
	}
	if err != nil || !granted {
		if err == nil {
			err = ErrPermissionDenied
		} else if !errors.Is(err, ErrPermissionPending) {
			err = withKind(ErrPermissionDenied, err)
		}
		s.updateStatusError(err)
		s.serviceAccess.Unlock()
		return false, err
	}
	session := &Session{configContent: configContent}
	s.session = session
	s.updateStatus(StateStarting)
	s.serviceAccess.Unlock()
	return s.startSession(ctx, session)
}

// attach records resources on the session under the state lock and reports
// whether the session is still the current start.
func (s *Service) attach(session *Session, attach func()) bool {
	s.serviceAccess.Lock()
	defer s.serviceAccess.Unlock()
	attach()
	return s.serviceStatus.State == StateStarting && s.session == session
}

func (s *Service) startSession(ctx context.Context, session *Session) (bool, error) {
	monitor := taskmonitor.New(s.logger, C.StartTimeout)

	monitor.Start(ctx, "provision rule files")
	err := s.provisioner.Ensure(ctx)
	monitor.Finish()
	if err != nil {
		return s.failStart(ctx, session, withKind(ErrProvisioning, err))
	}
	if !s.attach(session, func() {}) {
		return s.abortStart(ctx, session)
	}

	if s.cacheFile != "" {
		monitor.Start(ctx, "prepare cache file")
		err = provision.PrepareCacheFile(s.cacheFile)
		monitor.Finish()
		if err != nil {
			s.logger.WarnContext(ctx, E.Cause(err, "prepare cache file"))
		}
	}

	s.showNotification(ctx, session)

	sessionCtx, sessionCancel := context.WithCancel(s.ctx)
	adapter := platform.NewAdapter(platform.Options{
		Context:        sessionCtx,
		Logger:         s.logFactory.NewLogger("platform"),
		EngineLogger:   s.logFactory.NewLogger("engine"),
		Host:           s.host,
		SessionName:    s.sessionName,
		ProtectTimeout: s.protectTimeout,
	})
	if !s.attach(session, func() {
		session.cancel = sessionCancel
		session.platform = adapter
	}) {
		return s.abortStart(ctx, session)
	}

	monitor.Start(ctx, "create engine")
	engine, err := s.engineConstructor(sessionCtx, session.configContent, adapter)
	monitor.Finish()
	if err != nil {
		return s.failStart(ctx, session, engineError(err, "create engine"))
	}
	if !s.attach(session, func() { session.engine = engine }) {
		return s.abortStart(ctx, session)
	}

	monitor.Start(ctx, "start engine")
	err = engine.Start()
	monitor.Finish()

	s.serviceAccess.Lock()
	if s.serviceStatus.State != StateStarting || s.session != session {
		s.serviceAccess.Unlock()
		return s.abortStart(ctx, session)
	}
	if err != nil {
		s.serviceAccess.Unlock()
		return s.failStart(ctx, session, engineError(err, "start engine"))
	}
	s.updateStatus(StateRunning)
	s.serviceAccess.Unlock()
	if s.recordServiceError {
		provision.ClearServiceError()
	}
	s.logger.InfoContext(ctx, "session started")
	if notifier, isNotifier := engine.(FatalNotifier); isNotifier {
		go s.watchEngine(sessionCtx, session, notifier)
	}
	return true, nil
}

// abortStart releases a session interrupted by a stop request.
func (s *Service) abortStart(ctx context.Context, session *Session) (bool, error) {
	err := s.closeSession(session)
	if err != nil {
		s.logger.WarnContext(ctx, E.Cause(err, "clean up interrupted session"))
	}
	s.logger.InfoContext(ctx, "start interrupted by stop")
	return false, nil
}

// failStart keeps the session current while it is released, so a concurrent
// stop takes over the cleanup instead of racing a new start.
func (s *Service) failStart(ctx context.Context, session *Session, err error) (bool, error) {
	closeErr := s.closeSession(session)
	if closeErr != nil {
		s.logger.WarnContext(ctx, E.Cause(closeErr, "clean up failed session"))
	}
	s.serviceAccess.Lock()
	if s.serviceStatus.State != StateStarting || s.session != session {
		s.serviceAccess.Unlock()
		s.logger.InfoContext(ctx, "start interrupted by stop")
		return false, nil
	}
	s.session = nil
	s.updateStatusError(err)
	s.serviceAccess.Unlock()
	s.writeServiceError(err)
	return false, err
}

// Stop is idempotent. Stopping a start that waits for permission cancels the
// wait.
func (s *Service) Stop() (bool, error) {
	s.serviceAccess.Lock()
	switch s.serviceStatus.State {
	case StateIdle, StateStopping, StateFailed:
		s.serviceAccess.Unlock()
		return true, nil
	case StateCheckingPermission, StateAwaitingPermissionGrant:
		if s.startCancel != nil {
			s.startCancel()
			s.startCancel = nil
		}
		s.updateStatus(StateIdle)
		s.serviceAccess.Unlock()
		return true, nil
	}
	session := s.session
	s.session = nil
	s.updateStatus(StateStopping)
	s.serviceAccess.Unlock()

	monitor := taskmonitor.New(s.logger, C.StopTimeout)
	monitor.Start(s.ctx, "stop session")
	err := s.closeSession(session)
	monitor.Finish()
	if err != nil {
		s.logger.Warn(E.Cause(err, "stop session"))
	}

	s.serviceAccess.Lock()
	s.updateStatus(StateIdle)
	s.serviceAccess.Unlock()
	s.logger.Info("session stopped")
	return true, nil
}

// PermissionRevoked stops a running session after the host withdrew consent.
func (s *Service) PermissionRevoked() {
	if !s.IsRunning() {
		return
	}
	s.logger.Warn("permission revoked, stopping session")
	_, _ = s.Stop()
}

func (s *Service) watchEngine(ctx context.Context, session *Session, notifier FatalNotifier) {
	select {
	case <-ctx.Done():
		return
	case <-notifier.Done():
	}
	s.serviceAccess.Lock()
	if s.session != session || s.serviceStatus.State != StateRunning {
		s.serviceAccess.Unlock()
		return
	}
	s.session = nil
	s.updateStatus(StateStopping)
	s.serviceAccess.Unlock()

	err := notifier.Err()
	if err == nil {
		err = E.New("engine exited")
	}
	err = withKind(ErrEngineFailure, err)
	closeErr := s.closeSession(session)
	if closeErr != nil {
		s.logger.Warn(E.Cause(closeErr, "clean up session"))
	}
	s.writeServiceError(err)

	s.serviceAccess.Lock()
	s.updateStatusError(err)
	s.serviceAccess.Unlock()
}

func (s *Service) closeSession(session *Session) error {
	if session == nil {
		return nil
	}
	s.serviceAccess.Lock()
	cancel, engine, adapter := session.cancel, session.engine, session.platform
	s.serviceAccess.Unlock()
	var closeErrors []error
	if cancel != nil {
		cancel()
	}
	if engine != nil {
		err := engine.Close()
		if err != nil {
			closeErrors = append(closeErrors, E.Cause(err, "close engine"))
		}
	}
	if adapter != nil {
		err := adapter.Close()
		if err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	s.withdrawNotification(session)
	return E.Errors(closeErrors...)
}

// showNotification claims the notification for session. A session that is
// no longer current shows nothing.
func (s *Service) showNotification(ctx context.Context, session *Session) {
	if s.notifier == nil || s.notification == nil {
		return
	}
	s.serviceAccess.Lock()
	if s.session != session {
		s.serviceAccess.Unlock()
		return
	}
	s.notificationOwner = session
	s.serviceAccess.Unlock()
	notifyCtx, cancel := context.WithTimeout(ctx, C.DBusCallTimeout)
	defer cancel()
	err := s.notifier.ShowNotification(notifyCtx, s.notification)
	if err != nil {
		s.logger.WarnContext(ctx, E.Cause(err, "show notification"))
	}
}

// withdrawNotification removes the notification only while session owns it.
func (s *Service) withdrawNotification(session *Session) {
	if s.notifier == nil || s.notification == nil {
		return
	}
	s.serviceAccess.Lock()
	if s.notificationOwner != session {
		s.serviceAccess.Unlock()
		return
	}
	s.notificationOwner = nil
	s.serviceAccess.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, C.DBusCallTimeout)
	defer cancel()
	err := s.notifier.WithdrawNotification(ctx)
	if err != nil {
		s.logger.Warn(E.Cause(err, "withdraw notification"))
	}
}

func (s *Service) writeServiceError(err error) {
	if !s.recordServiceError {
		return
	}
	writeErr := provision.WriteServiceError(err.Error())
	if writeErr != nil {
		s.logger.Warn(E.Cause(writeErr, "write service error"))
	}
}

// Close stops any session for daemon shutdown.
func (s *Service) Close() error {
	_, err := s.Stop()
	return err
}
