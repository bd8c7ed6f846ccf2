package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmgate/lmstudio-gateway/internal/config"
)

func TestParseServeArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    serveOptions
		wantErr string
	}{
		{"no args", nil, serveOptions{}, ""},
		{"short flags", []string{"-c", "gw.yaml", "-p", "9000", "-d"}, serveOptions{configPath: "gw.yaml", port: 9000, debug: true}, ""},
		{"long flags", []string{"--config", "a.yaml", "--port", "8080"}, serveOptions{configPath: "a.yaml", port: 8080}, ""},
		{"help", []string{"--help"}, serveOptions{help: true}, ""},
		{"missing value", []string{"--port"}, serveOptions{}, "requires a value"},
		{"bad port", []string{"-p", "70000"}, serveOptions{}, "invalid port"},
		{"unknown option", []string{"--verbose"}, serveOptions{}, "unknown option"},
		{"stray argument", []string{"extra"}, serveOptions{}, "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServeArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupLogging_JSONFormatAndLevel(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	setupLogging(config.LoggingConfig{Level: "warn", Format: config.LogFormatAuto}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "v", entry["k"])
}

func TestUseConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, useConsoleFormat(config.LogFormatConsole, &buf))
	assert.False(t, useConsoleFormat(config.LogFormatJSON, &buf))
	assert.False(t, useConsoleFormat(config.LogFormatAuto, &buf), "non-file writers are never terminals")
}

func TestLoadEnvFiles_ExistingEnvWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("LMGATE_TEST_FROM_FILE=file\nLMGATE_TEST_PRESET=file\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"),
		[]byte("LMGATE_TEST_FROM_FILE=local\nLMGATE_TEST_LOCAL_ONLY=local\n"), 0600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("LMGATE_TEST_PRESET", "env")
	t.Setenv("LMGATE_TEST_FROM_FILE", "")
	require.NoError(t, os.Unsetenv("LMGATE_TEST_FROM_FILE"))
	t.Setenv("LMGATE_TEST_LOCAL_ONLY", "")
	require.NoError(t, os.Unsetenv("LMGATE_TEST_LOCAL_ONLY"))

	loadEnvFiles()

	assert.Equal(t, "env", os.Getenv("LMGATE_TEST_PRESET"))
	assert.Equal(t, "file", os.Getenv("LMGATE_TEST_FROM_FILE"))
	assert.Equal(t, "local", os.Getenv("LMGATE_TEST_LOCAL_ONLY"))
}
