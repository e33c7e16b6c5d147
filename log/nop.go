package log

import (
	"context"
	"os"

	"github.com/sagernet/sing/common/observable"
)

var _ ObservableFactory = nopFactory{}

type nopFactory struct{}

func NewNOPFactory() ObservableFactory {
	return nopFactory{}
}

func (nopFactory) Level() Level { return LevelPanic }
func (nopFactory) SetLevel(level Level) {}
func (f nopFactory) Logger() ContextLogger { return f }
func (f nopFactory) NewLogger(tag string) ContextLogger { return f }
func (nopFactory) Close() error { return nil }

func (nopFactory) Subscribe() (observable.Subscription[Entry], <-chan struct{}, error) {
	return nil, nil, os.ErrClosed
}

func (nopFactory) UnSubscribe(subscription observable.Subscription[Entry]) {}

func (nopFactory) Trace(args ...any) {}
func (nopFactory) Debug(args ...any) {}
func (nopFactory) Info(args ...any) {}
func (nopFactory) Warn(args ...any) {}
func (nopFactory) Error(args ...any) {}
func (nopFactory) Fatal(args ...any) {}
func (nopFactory) Panic(args ...any) {}

func (nopFactory) TraceContext(ctx context.Context, args ...any) {}
func (nopFactory) DebugContext(ctx context.Context, args ...any) {}
func (nopFactory) InfoContext(ctx context.Context, args ...any) {}
func (nopFactory) WarnContext(ctx context.Context, args ...any) {}
func (nopFactory) ErrorContext(ctx context.Context, args ...any) {}
func (nopFactory) FatalContext(ctx context.Context, args ...any) {}
func (nopFactory) PanicContext(ctx context.Context, args ...any) {}
