package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EntryFunc receives a rendered log line. It must not block.
type EntryFunc func(level zapcore.Level, line string)

// sinkCore mirrors log entries to an EntryFunc as flat "msg k=v" lines.
type sinkCore struct {
	zapcore.LevelEnabler
	fn     EntryFunc
	fields []zapcore.Field
}

// NewSinkCore returns a core forwarding entries at or above min to fn.
func NewSinkCore(min zapcore.Level, fn EntryFunc) zapcore.Core {
	return &sinkCore{LevelEnabler: min, fn: fn}
}

// Tee attaches fn to base so every entry at or above min reaches both.
func Tee(base *zap.Logger, min zapcore.Level, fn EntryFunc) *zap.Logger {
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, NewSinkCore(min, fn))
	}))
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &sinkCore{LevelEnabler: c.LevelEnabler, fn: c.fn, fields: merged}
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ent.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, enc.Fields[k])
	}
	c.fn(ent.Level, b.String())
	return nil
}

func (c *sinkCore) Sync() error { return nil }
