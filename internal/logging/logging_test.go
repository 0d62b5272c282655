package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestOrPrefersExplicitLogger(t *testing.T) {
	l := zap.NewExample()
	assert.Same(t, l, Or(l))
	assert.NotNil(t, Or(nil))
}

func TestInitAndSetLevel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "lana.log")
	require.NoError(t, Init(Config{Level: "warn", Format: "json", OutputPath: out}))
	t.Cleanup(func() {
		mu.Lock()
		global = nil
		mu.Unlock()
		globalLevel.SetLevel(zapcore.InfoLevel)
	})

	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))
	SetLevel("debug")
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	SetLevel("nonsense")
	assert.Equal(t, zapcore.DebugLevel, globalLevel.Level())

	L().Info("hello", zap.Int("k", 1))
	assert.NoError(t, Sync())
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "loud", OutputPath: filepath.Join(t.TempDir(), "x.log")}))
	t.Cleanup(func() {
		mu.Lock()
		global = nil
		mu.Unlock()
	})
	assert.Equal(t, zapcore.InfoLevel, globalLevel.Level())
}
