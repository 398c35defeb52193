package utils

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: DEBUG, Component: "pool", Output: &buf})

	logger.Info("task dispatched", String("task_id", "abc"), Int("worker", 2))

	out := buf.String()
	assert.Contains(t, out, "pool")
	assert.Contains(t, out, "task dispatched")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "worker")
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: WARN, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_WithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: DEBUG, Output: &buf}).With(Uint64("sim_id", 7))

	logger.Debug("step")
	assert.Contains(t, buf.String(), "sim_id")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WARN, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestTimeoutError(t *testing.T) {
	err := TimeoutError("handshake")
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "handshake")
	assert.False(t, IsTimeout(errors.New("other")))
}

func TestWrapError(t *testing.T) {
	base := errors.New("boom")
	err := WrapError(base, "flush")
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "flush: boom", err.Error())
	assert.Equal(t, "alone", WrapError(nil, "alone").Error())
}

func TestGracefulShutdown_RunsInReverseOrder(t *testing.T) {
	g := NewGracefulShutdown(time.Second, NewNopLogger())
	var order []string
	g.Register("first", func() error { order = append(order, "first"); return nil })
	g.Register("second", func() error { order = append(order, "second"); return nil })

	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestGracefulShutdown_CollectsErrors(t *testing.T) {
	g := NewGracefulShutdown(time.Second, NewNopLogger())
	g.Register("pool", func() error { return errors.New("stuck") })

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool")
}

func TestGracefulShutdown_TimesOut(t *testing.T) {
	g := NewGracefulShutdown(10*time.Millisecond, NewNopLogger())
	release := make(chan struct{})
	defer close(release)
	g.Register("slow", func() error { <-release; return nil })

	err := g.Shutdown(context.Background())
	assert.True(t, IsTimeout(err))
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a[:8], ShortID(a))
}
