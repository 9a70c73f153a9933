package log

import (
	"bytes"
	"encoding/json"
	"time"
)

// LogEvent is one structured log line under construction.
// Fields are appended in call order; Msg or End writes the line and recycles the event.
type LogEvent struct {
	buf    *bytes.Buffer
	logger Logger
	level  Level
}

func newEvent(l Logger) *LogEvent {
	e := &LogEvent{
		logger: l,
		level:  DebugLevel,
		buf:    &bytes.Buffer{},
	}
	e.buf.Grow(512)
	return e
}

// Reset clears the event for reuse. Oversized buffers are dropped.
func (e *LogEvent) Reset() {
	if e.buf.Cap() > 16<<10 {
		e.buf = &bytes.Buffer{}
		e.buf.Grow(512)
	}
	e.buf.Reset()
	e.level = DebugLevel
	AppendBeginMarker(e.buf)
}

// Time appends t formatted as "2006-01-02 15:04:05.000".
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

// Dur appends a duration in milliseconds.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendFloat64(e.buf, float64(d)/float64(time.Millisecond))
	return e
}

func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInt64(e.buf, int64(v))
	return e
}

func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInt64(e.buf, v)
	return e
}

func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendUint64(e.buf, v)
	return e
}

func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendFloat64(e.buf, v)
	return e
}

func (e *LogEvent) Float64s(k string, v []float64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendFloat64s(e.buf, v)
	return e
}

func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendBool(e.buf, v)
	return e
}

func (e *LogEvent) Str(k string, s string) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendString(e.buf, s)
	return e
}

func (e *LogEvent) Strs(k string, v []string) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendStrings(e.buf, v)
	return e
}

// RawJSON appends b verbatim. b must be valid JSON.
func (e *LogEvent) RawJSON(k string, b []byte) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	e.buf.Write(b)
	return e
}

// Err appends the error under the "error" key, or null when v is nil.
func (e *LogEvent) Err(v error) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, "error")
	if v != nil {
		AppendString(e.buf, v.Error())
	} else {
		AppendNil(e.buf)
	}
	return e
}

// Any appends v encoded with encoding/json.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return e.Str(k, err.Error())
	}
	return e.RawJSON(k, b)
}

// Msg adds the message and writes the event.
func (e *LogEvent) Msg(v string) {
	if e == nil {
		return
	}
	e.Str("msg", v)
	e.End()
}

// End writes the event without a message.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	AppendEndMarker(e.buf)
	AppendLineBreak(e.buf)
	e.logger.OnEventEnd(e)
}
