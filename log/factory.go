package log

import (
	L "github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/observable"
)

type Factory interface {
	Level() Level
	SetLevel(level Level)
	Logger() ContextLogger
	NewLogger(tag string) ContextLogger
	Close() error
}

// ObservableFactory also streams every written entry to subscribers, which
// the command server forwards to clients following the log.
type ObservableFactory interface {
	Factory
	observable.Observable[Entry]
}

type Entry struct {
	Level   Level
	Message string
}

// PlatformWriter receives plain messages for a host log sink.
type PlatformWriter interface {
	DisableColors() bool
	WriteMessage(level Level, message string)
}

// The logger contracts are sing's, so loggers from this package plug into
// sing-tun monitors directly.
type (
	Logger        = L.Logger
	ContextLogger = L.ContextLogger
)
