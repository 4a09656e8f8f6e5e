package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger observes every entry down to TraceLevel. Context fields added
// by the Logger methods (request_id, namespace, tenant) are observed like
// any other field.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	level := zap.NewAtomicLevelAt(TraceLevel)
	core, observed := observer.New(level)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), level: level, config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

// FilterMessage returns entries whose message matches exactly.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// ForNamespace returns entries logged while serving namespace ns.
func (t *TestLogger) ForNamespace(ns string) *observer.ObservedLogs {
	return t.observed.FilterField(zap.String(fieldNamespace, ns))
}

// Reset drops everything observed so far.
func (t *TestLogger) Reset() { t.observed.TakeAll() }

// AssertLogged fails unless an entry at level contains msgContains.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if t.find(level, msgContains) == nil {
		tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
	}
}

// AssertNotLogged fails if an entry at level contains msgContains.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if e := t.find(level, msgContains); e != nil {
		tb.Errorf("unexpected log at %v: %q", level, e.Message)
	}
}

// AssertField fails unless some entry with message msg carries key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if v, ok := entry.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertPartition fails unless message msg was logged for namespace ns and
// tenant. An empty tenant expects no tenant field.
func (t *TestLogger) AssertPartition(tb testing.TB, msg, ns, tenant string) {
	tb.Helper()
	for _, entry := range t.ForNamespace(ns).FilterMessage(msg).All() {
		got, ok := entry.ContextMap()[fieldTenant]
		if (tenant == "" && !ok) || (ok && got == tenant) {
			return
		}
	}
	tb.Errorf("message %q not logged for namespace %q tenant %q", msg, ns, tenant)
}

func (t *TestLogger) find(level zapcore.Level, msgContains string) *observer.LoggedEntry {
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return &entry
		}
	}
	return nil
}
