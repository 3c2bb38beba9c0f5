package logging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetLogLevel(t *testing.T) {
	defer func() { _ = SetLogLevel("info") }()

	assert.NoError(t, SetLogLevel("debug"))
	assert.True(t, Enabled(zapcore.DebugLevel))

	assert.NoError(t, SetLogLevel("error"))
	assert.False(t, Enabled(zapcore.WarnLevel))

	assert.Error(t, SetLogLevel("verbose"))
}

func TestContextLogger(t *testing.T) {
	assert.Equal(t, DefaultLogger(), From(context.Background()))

	logger := New("session", NewField("session_id", "s1"))
	ctx := With(context.Background(), logger)
	assert.Equal(t, logger, From(ctx))
}

func TestLogFile(t *testing.T) {
	SetLogFile(filepath.Join(t.TempDir(), "sync.log"))
	defer SetLogFile("")

	logger := New("file")
	logger.Info("written to the rotating file")
	_ = logger.Sync()
}
