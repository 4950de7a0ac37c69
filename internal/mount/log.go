package mount

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Level is a leveled logger's verbosity, in the style of
// github.com/prometheus/common/log (as used by
// talyz-systemd_exporter/systemd's collector) — a small fixed set of
// named levels with a mutable threshold, replacing the teacher's bare
// fmt.Printf debug prints (spec §2.G ambient stack).
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger is a minimal leveled logger: each Xf method is a no-op below the
// current level, and the level can be raised or lowered at runtime
// through SetLevel, without a remount.
type Logger struct {
	out   io.Writer
	level int32 // atomic Level
}

// NewLogger returns a Logger writing to out at the given initial level.
func NewLogger(out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stderr
	}
	l := &Logger{out: out}
	l.SetLevel(level)
	return l
}

// SetLevel changes the logger's threshold; safe for concurrent use.
func (l *Logger) SetLevel(level Level) { atomic.StoreInt32(&l.level, int32(level)) }

// Level returns the current threshold.
func (l *Logger) Level() Level { return Level(atomic.LoadInt32(&l.level)) }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level > l.Level() {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	fmt.Fprintf(l.out, "%s %-5s %s\n", ts, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
