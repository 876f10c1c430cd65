package config

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadAppliesNewConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "logging:\n  level: info\n")
	overrides := OverrideOptions{LogFormat: "json"}

	initial, err := LoadWithOverrides(path, overrides)
	require.NoError(t, err)

	r := NewReloader(path, overrides, initial)
	var levels []string
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		levels = append(levels, cfg.Logging.Level)
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))
	require.NoError(t, r.Reload(context.Background()))

	assert.Equal(t, []string{"debug"}, levels)
	assert.Equal(t, "debug", r.GetConfig().Logging.Level)
	assert.Equal(t, "json", r.GetConfig().Logging.Format)
	assert.Equal(t, ReloadStateIdle, r.State())
}

func TestReloadKeepsConfigOnFailure(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "logging:\n  level: info\n")
	initial, err := LoadFromFile(path)
	require.NoError(t, err)

	r := NewReloader(path, OverrideOptions{}, initial)
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		return errors.New("rejected")
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644))
	assert.Error(t, r.Reload(context.Background()))
	assert.Same(t, initial, r.GetConfig())

	require.NoError(t, os.WriteFile(path, []byte("broker:\n  codec: gzip\n"), 0644))
	assert.Error(t, r.Reload(context.Background()))
	assert.Same(t, initial, r.GetConfig())
	assert.Equal(t, ReloadStateIdle, r.State())
}

func TestReloaderStartStop(t *testing.T) {
	r := NewReloader("", OverrideOptions{}, Default())
	r.Start()
	r.Start()
	r.Stop()
	assert.Equal(t, ReloadStateStopped, r.State())

	r.Start()
	assert.Equal(t, ReloadStateIdle, r.State())
	r.Stop()
}
