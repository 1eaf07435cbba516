package config

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
logging:
  level: %s
categories:
  conversation:
    primary: {backend: cheap}
    fallback: {backend: premium}
`

func minimal(level string) string {
	return fmt.Sprintf(minimalYAML, level)
}

func TestManager_Reload(t *testing.T) {
	path := writeConfig(t, minimal("info"))
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().Logging.Level)

	var calls atomic.Int32
	var oldLevel, newLevel atomic.Value
	m.OnChange(func(old, updated *Config) {
		oldLevel.Store(old.Logging.Level)
		newLevel.Store(updated.Logging.Level)
		calls.Add(1)
	})

	require.NoError(t, os.WriteFile(path, []byte(minimal("debug")), 0o600))
	assert.True(t, m.Reload())
	assert.Equal(t, "debug", m.Get().Logging.Level)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "info", oldLevel.Load())
	assert.Equal(t, "debug", newLevel.Load())
}

func TestManager_InvalidReloadKeepsCurrent(t *testing.T) {
	path := writeConfig(t, minimal("warn"))
	m, err := NewManager(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("categories: {}"), 0o600))
	assert.False(t, m.Reload())
	assert.Equal(t, "warn", m.Get().Logging.Level)
}

func TestManager_NewFailsOnInvalid(t *testing.T) {
	_, err := NewManager(writeConfig(t, "categories: {}"), nil)
	assert.Error(t, err)
}

func TestManager_Watch(t *testing.T) {
	path := writeConfig(t, minimal("info"))
	m, err := NewManager(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(minimal("error")), 0o600))
	assert.Eventually(t, func() bool {
		return m.Get().Logging.Level == "error"
	}, 5*time.Second, 50*time.Millisecond)
}
