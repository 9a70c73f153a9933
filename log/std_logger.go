package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StdLogger writes JSON lines to a set of appenders.
// The level can be changed at runtime with SetLevel; appenders are fixed after setup.
type StdLogger struct {
	appenders         []LogAppender
	minLevel          atomic.Int32
	callerSkip        int
	enabledCallerInfo bool
	eventPool         *sync.Pool
	callerCache       sync.Map // pc -> string
}

// NewLogger creates a logger from cfg. A nil cfg uses the default configuration.
func NewLogger(cfg *LogCfg) *StdLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &StdLogger{
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}
	logger.minLevel.Store(int32(cfg.LogLevel))
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// SetLevel changes the minimum level. Safe to call concurrently with logging.
func (x *StdLogger) SetLevel(level Level) {
	x.minLevel.Store(int32(level))
}

// GetLevel returns the minimum level.
func (x *StdLogger) GetLevel() Level {
	return Level(x.minLevel.Load())
}

func (x *StdLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds an output destination. It must not race with logging.
func (x *StdLogger) AddAppender(appender LogAppender) {
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the registered appenders.
func (x *StdLogger) GetAppender() []LogAppender {
	return x.appenders
}

// Refresh flushes every appender.
func (x *StdLogger) Refresh() {
	for _, appender := range x.appenders {
		_ = appender.Refresh()
	}
}

// Close closes every appender.
func (x *StdLogger) Close() {
	for _, appender := range x.appenders {
		_ = appender.Close()
	}
}

// OnEventEnd writes a finished event and recycles it. Fatal events panic afterwards.
func (x *StdLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}

	if e.level == FatalLevel {
		panic(e.buf.String())
	}

	x.eventPool.Put(e)
}

func (x *StdLogger) Trace() *LogEvent { return x.log(TraceLevel) }
func (x *StdLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *StdLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *StdLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *StdLogger) Error() *LogEvent { return x.log(ErrorLevel) }
func (x *StdLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

// log returns nil when level is filtered out.
func (x *StdLogger) log(level Level) *LogEvent {
	if !x.checkLevel(level) {
		return nil
	}

	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())
	if x.enabledCallerInfo {
		e.Str("caller", x.getCallerInfo())
	}
	return e
}

// getCallerInfo resolves "dir/file.go:line func" for the code that called the logger.
func (x *StdLogger) getCallerInfo() string {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return "unknown"
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(string)
	}

	function := runtime.FuncForPC(pc).Name()
	if dot := strings.LastIndexByte(function, '.'); dot != -1 {
		function = function[dot+1:]
	}
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if prev := strings.LastIndexByte(file[:lastSlash], '/'); prev >= 0 {
			file = file[prev+1:]
		}
	}

	info := file + ":" + strconv.Itoa(line) + " " + function
	x.callerCache.Store(pc, info)
	return info
}
