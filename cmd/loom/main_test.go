package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preset: Story\nmodel: gpt-4o\nresources: ./res\n"), 0o644))
	t.Setenv("LOOM_MODEL", "gpt-4o-mini")

	root := newRootCommand()
	require.NoError(t, root.PersistentFlags().Set("config", path))
	require.NoError(t, root.PersistentFlags().Set("resources", "/srv/res"))

	v := viper.New()
	require.NoError(t, loadConfig(v, root))
	assert.Equal(t, path, v.ConfigFileUsed())
	assert.Equal(t, "Story", v.GetString("preset"))
	assert.Equal(t, "gpt-4o-mini", v.GetString("model"), "environment beats the file")
	assert.Equal(t, "/srv/res", v.GetString("resources"), "flags beat everything")
}

func TestLoadConfigMissingFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)

	require.NoError(t, loadConfig(viper.New(), newRootCommand()))

	root := newRootCommand()
	require.NoError(t, root.PersistentFlags().Set("config", filepath.Join(home, "nope.yaml")))
	assert.Error(t, loadConfig(viper.New(), root))
}

func TestSettingsFromViper(t *testing.T) {
	v := viper.New()
	v.Set("log-level", "warn")
	v.Set("verbose", true)
	assert.Equal(t, "debug", settingsFromViper(v).Level)

	v.Set("log-level", "trace")
	assert.Equal(t, "trace", settingsFromViper(v).Level)
}

func TestSetupLogging(t *testing.T) {
	restoreLogger(t)

	var out bytes.Buffer
	require.NoError(t, setupLogging(logSettings{Level: "warn", Format: "json"}, &out))
	log.Info().Msg("hidden")
	log.Warn().Str("chat", "story.json").Msg("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"level":"warn"`)
	assert.Contains(t, out.String(), `"chat":"story.json"`)

	assert.Error(t, setupLogging(logSettings{Level: "loud"}, &out))
	assert.Error(t, setupLogging(logSettings{Format: "xml"}, &out))
}

func TestSetupLoggingFile(t *testing.T) {
	restoreLogger(t)

	path := filepath.Join(t.TempDir(), "loom.log")
	var out bytes.Buffer
	require.NoError(t, setupLogging(logSettings{Level: "info", Format: "json", File: path}, &out))
	log.Info().Msg("generated")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "generated")
	assert.Contains(t, out.String(), "generated")
}
