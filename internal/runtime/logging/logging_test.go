package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logLine struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

// capture records every call made through ServiceLogger or watermill.LoggerAdapter.
type capture struct {
	lines *[]logLine
	base  LogFields
}

func newCapture() *capture {
	return &capture{lines: &[]logLine{}}
}

func (c *capture) add(level, msg string, err error, fields map[string]any) {
	merged := LogFields{}
	for k, v := range c.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	*c.lines = append(*c.lines, logLine{level: level, msg: msg, fields: merged, err: err})
}

func (c *capture) child(fields map[string]any) *capture {
	base := LogFields{}
	for k, v := range c.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &capture{lines: c.lines, base: base}
}

func (c *capture) With(fields LogFields) ServiceLogger {
	return c.child(fields)
}

func (c *capture) Debug(msg string, fields LogFields) {
	c.add("debug", msg, nil, fields)
}

func (c *capture) Info(msg string, fields LogFields) {
	c.add("info", msg, nil, fields)
}

func (c *capture) Trace(msg string, fields LogFields) {
	c.add("trace", msg, nil, fields)
}

func (c *capture) Error(msg string, err error, fields LogFields) {
	c.add("error", msg, err, fields)
}

// watermillCapture is the same recorder seen through watermill's interface.
type watermillCapture struct{ *capture }

func (w watermillCapture) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillCapture{w.child(fields)}
}

func (w watermillCapture) Debug(msg string, fields watermill.LogFields) {
	w.add("debug", msg, nil, fields)
}

func (w watermillCapture) Info(msg string, fields watermill.LogFields) {
	w.add("info", msg, nil, fields)
}

func (w watermillCapture) Trace(msg string, fields watermill.LogFields) {
	w.add("trace", msg, nil, fields)
}

func (w watermillCapture) Error(msg string, err error, fields watermill.LogFields) {
	w.add("error", msg, err, fields)
}

// entry mimics a logrus-style entry whose With* methods return a new entry.
type entry struct {
	rec    *capture
	fields LogFields
	err    error
}

func (e *entry) clone() *entry {
	fields := LogFields{}
	for k, v := range e.fields {
		fields[k] = v
	}
	return &entry{rec: e.rec, fields: fields, err: e.err}
}

func (e *entry) WithField(key string, value any) *entry {
	next := e.clone()
	next.fields[key] = value
	return next
}

func (e *entry) WithError(err error) *entry {
	next := e.clone()
	next.err = err
	return next
}

func (e *entry) log(level string, args ...any) {
	msg, _ := args[0].(string)
	e.rec.add(level, msg, e.err, e.fields)
}

func (e *entry) Error(args ...any) {
	e.log("error", args...)
}

func (e *entry) Info(args ...any) {
	e.log("info", args...)
}

func (e *entry) Debug(args ...any) {
	e.log("debug", args...)
}

func (e *entry) Trace(args ...any) {
	e.log("trace", args...)
}

func TestEntryServiceLogger(t *testing.T) {
	rec := newCapture()
	logger := NewEntryServiceLogger(&entry{rec: rec})

	logger.Info("service started", LogFields{"workers": 4})
	child := logger.With(LogFields{"rule": "audit"})
	child.Debug("chain built", LogFields{"steps": 2})
	child.Error("offer failed", errors.New("queue closed"), nil)
	child.Trace("poll", nil)

	lines := *rec.lines
	require.Len(t, lines, 4)
	assert.Equal(t, logLine{level: "info", msg: "service started", fields: LogFields{"workers": 4}}, lines[0])
	assert.Equal(t, LogFields{"rule": "audit", "steps": 2}, lines[1].fields)
	assert.Equal(t, "error", lines[2].level)
	assert.EqualError(t, lines[2].err, "queue closed")
	assert.Equal(t, "trace", lines[3].level)
}

func TestEntryServiceLoggerWithoutFieldsReturnsSelf(t *testing.T) {
	logger := NewEntryServiceLogger(&entry{rec: newCapture()})
	assert.Same(t, logger, logger.With(nil))
}

func TestWatermillServiceLogger(t *testing.T) {
	rec := newCapture()
	logger := Component(NewWatermillServiceLogger(watermillCapture{rec}), "subscription")

	logger.Info("subscribed", LogFields{"topic": "orders"})
	logger.Error("unsubscribe failed", errors.New("gone"), nil)

	lines := *rec.lines
	require.Len(t, lines, 2)
	assert.Equal(t, LogFields{"component": "subscription", "topic": "orders"}, lines[0].fields)
	assert.Equal(t, "error", lines[1].level)
	assert.EqualError(t, lines[1].err, "gone")
}

func TestWatermillAdapter(t *testing.T) {
	rec := newCapture()
	adapter := NewWatermillAdapter(rec).With(watermill.LogFields{"transport": "kafka"})

	adapter.Debug("consumer joined", watermill.LogFields{"group": "ruleflow"})
	adapter.Trace("fetch", nil)

	lines := *rec.lines
	require.Len(t, lines, 2)
	assert.Equal(t, LogFields{"transport": "kafka", "group": "ruleflow"}, lines[0].fields)
	assert.Equal(t, "trace", lines[1].level)
}

func TestSlogServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Info("rules loaded", LogFields{"sets": 2})

	assert.Contains(t, buf.String(), "rules loaded")
	assert.Contains(t, buf.String(), "sets=2")
}

func TestConstructorsRejectNil(t *testing.T) {
	assert.Panics(t, func() { NewEntryServiceLogger[EntryLogger](nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(watermill.LogFields{}))
	assert.Equal(t, LogFields{"a": 1}, fromWatermillFields(toWatermillFields(LogFields{"a": 1})))
}
