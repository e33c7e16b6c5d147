package log

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing/common"
	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/common/observable"
)

var _ ObservableFactory = (*factory)(nil)

type factory struct {
	formatter      Formatter
	platformWriter PlatformWriter
	writeAccess    sync.Mutex
	writer         io.Writer
	file           *os.File
	level          atomic.Uint32
	subscriber     *observable.Subscriber[Entry]
	observer       *observable.Observer[Entry]
}

func NewFactory(formatter Formatter, writer io.Writer, platformWriter PlatformWriter) Factory {
	return newFactory(formatter, writer, platformWriter, false)
}

func NewObservableFactory(formatter Formatter, writer io.Writer, platformWriter PlatformWriter) ObservableFactory {
	return newFactory(formatter, writer, platformWriter, true)
}

func newFactory(formatter Formatter, writer io.Writer, platformWriter PlatformWriter, observe bool) *factory {
	f := &factory{
		formatter:      formatter,
		platformWriter: platformWriter,
		writer:         writer,
	}
	f.level.Store(uint32(LevelTrace))
	if observe {
		f.subscriber = observable.NewSubscriber[Entry](128)
		f.observer = observable.NewObserver[Entry](f.subscriber, 64)
	}
	return f
}

func (f *factory) Level() Level {
	return Level(f.level.Load())
}

func (f *factory) SetLevel(level Level) {
	f.level.Store(uint32(level))
}

func (f *factory) Logger() ContextLogger {
	return f.NewLogger("")
}

func (f *factory) NewLogger(tag string) ContextLogger {
	return &logger{f, tag}
}

func (f *factory) Subscribe() (subscription observable.Subscription[Entry], done <-chan struct{}, err error) {
	if f.observer == nil {
		return nil, nil, os.ErrInvalid
	}
	return f.observer.Subscribe()
}

func (f *factory) UnSubscribe(subscription observable.Subscription[Entry]) {
	if f.observer != nil {
		f.observer.UnSubscribe(subscription)
	}
}

func (f *factory) Close() error {
	return common.Close(common.PtrOrNil(f.file))
}

func (f *factory) write(ctx context.Context, level Level, tag string, args []any) {
	if level > f.Level() {
		return
	}
	message, plain := f.formatter.Format(ctx, level, tag, F.ToString(args...), time.Now())
	if level == LevelPanic {
		panic(message)
	}
	f.writeAccess.Lock()
	f.writer.Write([]byte(message))
	f.writeAccess.Unlock()
	if level == LevelFatal {
		os.Exit(1)
	}
	if f.subscriber != nil {
		f.subscriber.Emit(Entry{level, plain})
	}
	if f.platformWriter != nil {
		f.platformWriter.WriteMessage(level, plain)
	}
}

var _ ContextLogger = (*logger)(nil)

type logger struct {
	*factory
	tag string
}

func (l *logger) Trace(args ...any) {
	l.write(context.Background(), LevelTrace, l.tag, args)
}

func (l *logger) Debug(args ...any) {
	l.write(context.Background(), LevelDebug, l.tag, args)
}

func (l *logger) Info(args ...any) {
	l.write(context.Background(), LevelInfo, l.tag, args)
}

func (l *logger) Warn(args ...any) {
	l.write(context.Background(), LevelWarn, l.tag, args)
}

func (l *logger) Error(args ...any) {
	l.write(context.Background(), LevelError, l.tag, args)
}

func (l *logger) Fatal(args ...any) {
	l.write(context.Background(), LevelFatal, l.tag, args)
}

func (l *logger) Panic(args ...any) {
	l.write(context.Background(), LevelPanic, l.tag, args)
}

func (l *logger) TraceContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelTrace, l.tag, args)
}

func (l *logger) DebugContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelDebug, l.tag, args)
}

func (l *logger) InfoContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelInfo, l.tag, args)
}

func (l *logger) WarnContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelWarn, l.tag, args)
}

func (l *logger) ErrorContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelError, l.tag, args)
}

func (l *logger) FatalContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelFatal, l.tag, args)
}

func (l *logger) PanicContext(ctx context.Context, args ...any) {
	l.write(ctx, LevelPanic, l.tag, args)
}
