package log

import (
	"io"
	"os"
	"time"

	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/option"
	E "github.com/sagernet/sing/common/exceptions"
)

type Options struct {
	Options        option.LogOptions
	Observable     bool
	DefaultWriter  io.Writer
	BaseTime       time.Time
	PlatformWriter PlatformWriter
}

// New builds the factory described by the log section of the bridge config.
// Relative output paths resolve against the working directory.
func New(options Options) (ObservableFactory, error) {
	logOptions := options.Options
	if logOptions.Disabled {
		return NewNOPFactory(), nil
	}
	level := LevelTrace
	if logOptions.Level != "" {
		var err error
		level, err = ParseLevel(logOptions.Level)
		if err != nil {
			return nil, E.Cause(err, "parse log level")
		}
	}
	var (
		writer  io.Writer
		logFile *os.File
	)
	switch logOptions.Output {
	case "", "stderr":
		writer = options.DefaultWriter
		if writer == nil || logOptions.Output == "stderr" {
			writer = os.Stderr
		}
	case "stdout":
		writer = os.Stdout
	default:
		var err error
		logFile, err = os.OpenFile(C.BasePath(logOptions.Output), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, E.Cause(err, "open log output")
		}
		writer = logFile
	}
	formatter := Formatter{
		BaseTime:         options.BaseTime,
		DisableColors:    logOptions.DisableColor || logFile != nil,
		DisableTimestamp: !logOptions.Timestamp && logFile != nil,
		FullTimestamp:    logOptions.Timestamp,
		TimestampFormat:  "-0700 2006-01-02 15:04:05",
	}
	if options.PlatformWriter != nil && options.PlatformWriter.DisableColors() {
		formatter.DisableColors = true
	}
	factory := newFactory(formatter, writer, options.PlatformWriter, options.Observable)
	factory.file = logFile
	factory.SetLevel(level)
	return factory, nil
}
