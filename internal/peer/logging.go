package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level
const levelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's internal logging into slog, one logger per
// pion scope
type LoggerFactory struct {
	Logger *slog.Logger
}

var _ logging.LoggerFactory = LoggerFactory{}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveled{l: f.Logger.With("pion", scope)}
}

type leveled struct {
	l *slog.Logger
}

func (p leveled) log(level slog.Level, msg string) {
	p.l.Log(context.Background(), level, msg)
}

func (p leveled) Trace(msg string)                  { p.log(levelTrace, msg) }
func (p leveled) Tracef(format string, args ...any) { p.log(levelTrace, fmt.Sprintf(format, args...)) }
func (p leveled) Debug(msg string)                  { p.log(slog.LevelDebug, msg) }
func (p leveled) Debugf(format string, args ...any) { p.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (p leveled) Info(msg string)                   { p.log(slog.LevelInfo, msg) }
func (p leveled) Infof(format string, args ...any)  { p.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (p leveled) Warn(msg string)                   { p.log(slog.LevelWarn, msg) }
func (p leveled) Warnf(format string, args ...any)  { p.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (p leveled) Error(msg string)                  { p.log(slog.LevelError, msg) }
func (p leveled) Errorf(format string, args ...any) { p.log(slog.LevelError, fmt.Sprintf(format, args...)) }
