package log

import (
	"bytes"
	"math"
	"strconv"
	"unicode/utf8"
)

const _hex = "0123456789abcdef"

// AppendBeginMarker opens a JSON object.
func AppendBeginMarker(buf *bytes.Buffer) {
	buf.WriteByte('{')
}

// AppendEndMarker closes a JSON object.
func AppendEndMarker(buf *bytes.Buffer) {
	buf.WriteByte('}')
}

// AppendLineBreak terminates a log line.
func AppendLineBreak(buf *bytes.Buffer) {
	buf.WriteByte('\n')
}

// AppendKey writes a quoted key and a colon, preceded by a comma unless it is the
// first key of the object.
func AppendKey(buf *bytes.Buffer, key string) {
	if buf.Len() >= 1 && buf.Bytes()[buf.Len()-1] != '{' {
		buf.WriteByte(',')
	}
	AppendString(buf, key)
	buf.WriteByte(':')
}

// AppendNil writes null.
func AppendNil(buf *bytes.Buffer) {
	buf.WriteString("null")
}

func AppendBool(buf *bytes.Buffer, val bool) {
	buf.Write(strconv.AppendBool(buf.AvailableBuffer(), val))
}

func AppendInt64(buf *bytes.Buffer, val int64) {
	buf.Write(strconv.AppendInt(buf.AvailableBuffer(), val, 10))
}

func AppendUint64(buf *bytes.Buffer, val uint64) {
	buf.Write(strconv.AppendUint(buf.AvailableBuffer(), val, 10))
}

// AppendFloat64 writes val; NaN and infinities are written as strings since JSON has no literal for them.
func AppendFloat64(buf *bytes.Buffer, val float64) {
	switch {
	case math.IsNaN(val):
		buf.WriteString(`"NaN"`)
	case math.IsInf(val, 1):
		buf.WriteString(`"+Inf"`)
	case math.IsInf(val, -1):
		buf.WriteString(`"-Inf"`)
	default:
		buf.Write(strconv.AppendFloat(buf.AvailableBuffer(), val, 'f', -1, 64))
	}
}

func AppendFloat64s(buf *bytes.Buffer, vals []float64) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		AppendFloat64(buf, v)
	}
	buf.WriteByte(']')
}

func AppendStrings(buf *bytes.Buffer, vals []string) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		AppendString(buf, v)
	}
	buf.WriteByte(']')
}

// AppendString writes s as a quoted JSON string.
func AppendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if !noEscape(s[i]) {
			appendStringComplex(buf, s, i)
			buf.WriteByte('"')
			return
		}
	}
	buf.WriteString(s)
	buf.WriteByte('"')
}

func noEscape(c byte) bool {
	return c >= 0x20 && c != '"' && c != '\\' && c < utf8.RuneSelf
}

// appendStringComplex escapes s starting at the first byte that needs it.
func appendStringComplex(buf *bytes.Buffer, s string, i int) {
	start := 0
	for i < len(s) {
		c := s[i]
		if noEscape(c) {
			i++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(s[start:i])
				buf.WriteString(`\ufffd`)
				i += size
				start = i
				continue
			}
			i += size
			continue
		}

		buf.WriteString(s[start:i])
		switch c {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(_hex[c>>4])
			buf.WriteByte(_hex[c&0xF])
		}
		i++
		start = i
	}
	buf.WriteString(s[start:])
}
