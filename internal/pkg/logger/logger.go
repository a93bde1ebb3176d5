// Package logger emits one JSON object per line to stderr. Fields are
// alternating key/value pairs appended after ts, level and msg, in call
// order. Recipient addresses are masked before emission so they never
// reach log aggregation verbatim.
package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders entry severities. Entries below the sink's level are
// dropped before any formatting work happens.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel reads a level name, case-insensitively. Anything it does
// not recognize falls back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	mask  bool
}

// The default sink reads its level from MAILROOM_LOG_LEVEL. Masking is
// on unless MAILROOM_LOG_UNMASKED is set, which local debugging may
// want.
var std = &sink{
	out:   os.Stderr,
	level: ParseLevel(os.Getenv("MAILROOM_LOG_LEVEL")),
	mask:  os.Getenv("MAILROOM_LOG_UNMASKED") == "",
}

func Debug(msg string, pairs ...interface{}) { std.emit(LevelDebug, msg, pairs) }
func Info(msg string, pairs ...interface{})  { std.emit(LevelInfo, msg, pairs) }
func Warn(msg string, pairs ...interface{})  { std.emit(LevelWarn, msg, pairs) }
func Error(msg string, pairs ...interface{}) { std.emit(LevelError, msg, pairs) }

func (s *sink) emit(level Level, msg string, pairs []interface{}) {
	if level < s.level {
		return
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "ts", time.Now().UTC().Format(time.RFC3339Nano))
	buf.WriteByte(',')
	writeField(&buf, "level", level.String())
	buf.WriteByte(',')
	writeField(&buf, "msg", msg)
	for i := 0; i+1 < len(pairs); i += 2 {
		key := fmt.Sprint(pairs[i])
		val := pairs[i+1]
		if s.mask {
			val = maskValue(key, val)
		}
		buf.WriteByte(',')
		writeField(&buf, key, val)
	}
	if len(pairs)%2 == 1 {
		// A dangling key is a caller bug; keep the value visible
		// instead of dropping it silently.
		buf.WriteByte(',')
		writeField(&buf, "extra", fmt.Sprint(pairs[len(pairs)-1]))
	}
	buf.WriteString("}\n")

	s.mu.Lock()
	s.out.Write(buf.Bytes())
	s.mu.Unlock()
}

func writeField(buf *bytes.Buffer, key string, val interface{}) {
	k, _ := json.Marshal(key)
	buf.Write(k)
	buf.WriteByte(':')
	v, err := json.Marshal(val)
	if err != nil {
		v, _ = json.Marshal(fmt.Sprint(val))
	}
	buf.Write(v)
}
