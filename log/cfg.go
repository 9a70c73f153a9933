package log

import (
	"fmt"
)

// LogCfg configures a StdLogger.
type LogCfg struct {
	// LogLevel is the minimum level that is written.
	LogLevel Level `mapstructure:"level"`

	// CallerSkip is the number of extra stack frames to skip when resolving the caller,
	// for code that wraps the logger.
	CallerSkip int `mapstructure:"callerSkip"`

	// ConsoleAppender writes events to stdout.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// EnabledCallerInfo adds a "caller" field with file, line and function.
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// Validate checks the configuration.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel < TraceLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d, must be between %d (Trace) and %d (Fatal)",
			cfg.LogLevel, TraceLevel, FatalLevel)
	}
	if cfg.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be non-negative, got %d", cfg.CallerSkip)
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogLevel:          InfoLevel,
	CallerSkip:        1,
	ConsoleAppender:   true,
	EnabledCallerInfo: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
