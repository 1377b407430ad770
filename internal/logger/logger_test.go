package logger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"opticache/internal/logger"
)

func TestNew_InvalidOutputPath(t *testing.T) {
	_, err := logger.New(logger.Config{Level: "debug", OutputPaths: []string{"/nonexistent-dir/x/y.log"}})
	require.Error(t, err)
}

func TestWith_AttachesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := logger.NewFromZap(zap.New(core)).With(logger.String("cache", "myst-cache-v6"))

	l.Info("opened")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "opened", entries[0].Message)
	assert.Equal(t, "myst-cache-v6", entries[0].ContextMap()["cache"])
}

func TestRateLimited_SuppressesWithinInterval(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rl := logger.NewRateLimited(logger.NewFromZap(zap.New(core)), time.Hour)

	for range 5 {
		rl.Warn("cache write failed")
	}

	assert.Equal(t, 1, logs.Len())
}

func TestRateLimited_LimitsEachMessageSeparately(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rl := logger.NewRateLimited(logger.NewFromZap(zap.New(core)), time.Hour)

	rl.Warn("origin unreachable")
	rl.Warn("cache write failed")
	rl.Warn("origin unreachable")
	rl.Warn("cache write failed")

	assert.Equal(t, 1, logs.FilterMessage("origin unreachable").Len())
	assert.Equal(t, 1, logs.FilterMessage("cache write failed").Len())
}
