package server

import "github.com/pion/logging"

// Logger is the leveled logging surface the server calls into. It mirrors
// the method names the core uses internally (Noticef reads as "Infof" but
// keeps the name operators expect to grep for in a running daemon).
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Noticef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// pionLogger adapts a pion/logging.LeveledLogger to Logger.
type pionLogger struct {
	l logging.LeveledLogger
}

// NewLogger builds a Logger scoped to "mcpws" backed by the given factory.
// Pass nil to get a factory-default logger writing to stderr at Info level.
func NewLogger(factory logging.LoggerFactory) Logger {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &pionLogger{l: factory.NewLogger("mcpws")}
}

func (p *pionLogger) Tracef(format string, args ...interface{})  { p.l.Tracef(format, args...) }
func (p *pionLogger) Debugf(format string, args ...interface{})  { p.l.Debugf(format, args...) }
func (p *pionLogger) Noticef(format string, args ...interface{}) { p.l.Infof(format, args...) }
func (p *pionLogger) Warnf(format string, args ...interface{})   { p.l.Warnf(format, args...) }
func (p *pionLogger) Errorf(format string, args ...interface{})  { p.l.Errorf(format, args...) }

// noopLogger discards everything; used when callers don't supply a Logger
// (mainly tests).
type noopLogger struct{}

func (noopLogger) Tracef(string, ...interface{})  {}
func (noopLogger) Debugf(string, ...interface{})  {}
func (noopLogger) Noticef(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})   {}
func (noopLogger) Errorf(string, ...interface{})  {}
