// Package log is a small structured logger with a fluent, allocation-conscious API:
//
//	log.Info().Str("sink", "prometheus").Int("entries", n).Msg("flushed")
//
// Events below the configured level are nil and every method on a nil event is a no-op.
package log

import "sync/atomic"

// Logger is the interface implemented by loggers in this package.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[StdLogger]

func init() {
	_defaultLogger.Store(NewLogger(getDefaultCfg()))
}

// Initialize replaces the default logger with one built from cfg.
// A nil cfg restores the default configuration.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.Load().AddAppender(appender)
}

// Refresh flushes every appender of the default logger.
func Refresh() {
	_defaultLogger.Load().Refresh()
}

// Close closes every appender of the default logger.
func Close() {
	_defaultLogger.Load().Close()
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *StdLogger) {
	_defaultLogger.Store(logger)
}

// DefaultLogger returns the default logger.
func DefaultLogger() *StdLogger {
	return _defaultLogger.Load()
}

// Trace starts a trace-level event on the default logger.
func Trace() *LogEvent {
	return _defaultLogger.Load().Trace()
}

// Debug starts a debug-level event on the default logger.
func Debug() *LogEvent {
	return _defaultLogger.Load().Debug()
}

// Info starts an info-level event on the default logger.
func Info() *LogEvent {
	return _defaultLogger.Load().Info()
}

// Warn starts a warn-level event on the default logger.
func Warn() *LogEvent {
	return _defaultLogger.Load().Warn()
}

// Error starts an error-level event on the default logger.
func Error() *LogEvent {
	return _defaultLogger.Load().Error()
}

// Fatal starts a fatal-level event on the default logger. Ending it panics.
func Fatal() *LogEvent {
	return _defaultLogger.Load().Fatal()
}
