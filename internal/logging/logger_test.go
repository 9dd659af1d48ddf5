package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerRedactsAuthorizationHeader(t *testing.T) {
	var buf bytes.Buffer
	sink := &Sink{}
	sink.writers = append(sink.writers, &buf)
	logger := sink.Component("test")

	logger.Info("request failed: Authorization: Bearer sk-abcdef1234567890 header")

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdef1234567890")
	assert.Contains(t, out, redactionPlaceholder)
}

func TestComponentLoggerRedactsAPIKeyAssignment(t *testing.T) {
	var buf bytes.Buffer
	sink := &Sink{}
	sink.writers = append(sink.writers, &buf)
	logger := sink.Component("test")

	logger.Warn("loaded api_key=deadbeefdeadbeefdeadbeef")

	out := buf.String()
	assert.NotContains(t, out, "deadbeefdeadbeefdeadbeef")
}

func TestComponentLoggerRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := &Sink{minLevel: Warn}
	sink.writers = append(sink.writers, &buf)
	logger := sink.Component("test")

	logger.Debug("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "should appear"))
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	var a, b bytes.Buffer
	sinkA := &Sink{}
	sinkA.writers = append(sinkA.writers, &a)
	sinkB := &Sink{}
	sinkB.writers = append(sinkB.writers, &b)

	combined := Multi(sinkA.Component("a"), Multi(sinkB.Component("b")))
	combined.Info("hello")

	require.Contains(t, a.String(), "hello")
	require.Contains(t, b.String(), "hello")
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
	})
}
