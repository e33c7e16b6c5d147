package log

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/logrusorgru/aurora"
)

type Formatter struct {
	BaseTime         time.Time
	DisableColors    bool
	DisableTimestamp bool
	FullTimestamp    bool
	TimestampFormat  string
}

var levelColors = map[Level]func(arg any) aurora.Value{
	LevelTrace: aurora.White,
	LevelDebug: aurora.White,
	LevelInfo:  aurora.Cyan,
	LevelWarn:  aurora.Yellow,
	LevelError: aurora.Red,
	LevelFatal: aurora.Red,
	LevelPanic: aurora.Red,
}

// Format returns the line for the terminal or log file, newline terminated,
// and the plain form without level, timestamp or colors.
func (f Formatter) Format(ctx context.Context, level Level, tag string, message string, timestamp time.Time) (string, string) {
	if tag != "" {
		message = tag + ": " + message
	}
	plain := message
	if id, hasID := IDFromContext(ctx); hasID {
		idString := strconv.FormatUint(uint64(id.ID), 10)
		plain = "[" + idString + "] " + message
		if !f.DisableColors {
			idString = aurora.Index(uint8(16+id.ID%216), idString).String()
		}
		message = "[" + idString + "] " + message
	}
	var builder strings.Builder
	if f.FullTimestamp && !f.DisableTimestamp {
		builder.WriteString(timestamp.Format(f.TimestampFormat))
		builder.WriteByte(' ')
	}
	levelString := strings.ToUpper(FormatLevel(level))
	if color, loaded := levelColors[level]; loaded && !f.DisableColors {
		levelString = color(levelString).String()
	}
	builder.WriteString(levelString)
	if !f.FullTimestamp && !f.DisableTimestamp {
		builder.WriteByte('[')
		builder.WriteString(padSeconds(timestamp.Sub(f.BaseTime)))
		builder.WriteByte(']')
	}
	builder.WriteByte(' ')
	builder.WriteString(message)
	if !strings.HasSuffix(message, "\n") {
		builder.WriteByte('\n')
	}
	return builder.String(), plain
}

func padSeconds(elapsed time.Duration) string {
	seconds := strconv.Itoa(int(elapsed / time.Second))
	if len(seconds) < 4 {
		seconds = strings.Repeat("0", 4-len(seconds)) + seconds
	}
	return seconds
}
