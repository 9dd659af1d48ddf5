package config

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, meta, err := Load(WithEnvLookup(func(string) (string, bool) { return "", false }))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 0.8, cfg.SafetyThreshold)
	assert.Equal(t, 20, cfg.MaxIterations)
	assert.NotEmpty(t, meta.Sources) // untouched fields are recorded as SourceDefault
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	env := map[string]string{"PORT": "9100", "PILOTD_SAFETY_THRESHOLD": "0.9"}
	cfg, meta, err := Load(WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 0.9, cfg.SafetyThreshold)
	assert.Equal(t, SourceEnv, meta.Sources["port"])
	assert.Equal(t, SourceEnv, meta.Sources["safety_threshold"])
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	yamlData := []byte("port: 9000\nsafety_threshold: 0.5\n")
	env := map[string]string{"PORT": "9200"}

	cfg, meta, err := Load(
		WithFilePath("settings.yaml"),
		WithFileReader(func(path string) ([]byte, error) { return yamlData, nil }),
		WithEnvLookup(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)               // env wins over file
	assert.Equal(t, 0.5, cfg.SafetyThreshold)     // file wins over default
	assert.Equal(t, SourceEnv, meta.Sources["port"])
	assert.Equal(t, SourceFile, meta.Sources["safety_threshold"])
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	_, _, err := Load(
		WithFilePath("settings.yaml"),
		WithFileReader(func(path string) ([]byte, error) { return nil, os.ErrNotExist }),
	)
	require.NoError(t, err)
}

func TestLoadPropagatesOtherFileErrors(t *testing.T) {
	_, _, err := Load(
		WithFilePath("settings.yaml"),
		WithFileReader(func(path string) ([]byte, error) { return nil, errors.New("disk on fire") }),
	)
	require.Error(t, err)
}

func TestLoadFlagOverridesBeatEnvAndFile(t *testing.T) {
	yamlData := []byte("port: 9000\nhost: 10.0.0.1\n")
	env := map[string]string{"PORT": "9200"}
	flagHost := "192.168.1.1"
	flagPort := 9999

	cfg, meta, err := Load(
		WithFilePath("settings.yaml"),
		WithFileReader(func(path string) ([]byte, error) { return yamlData, nil }),
		WithEnvLookup(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}),
		WithFlagOverrides(FlagOverrides{Host: &flagHost, Port: &flagPort}),
	)
	require.NoError(t, err)
	assert.Equal(t, flagHost, cfg.Host)
	assert.Equal(t, flagPort, cfg.Port)
	assert.Equal(t, SourceFlag, meta.Sources["host"])
	assert.Equal(t, SourceFlag, meta.Sources["port"])
}

func TestLoadYAMLCORSOriginsList(t *testing.T) {
	yamlData := []byte("cors_origins:\n  - https://a.example\n  - https://b.example\n")
	cfg, meta, err := Load(
		WithFilePath("settings.yaml"),
		WithFileReader(func(path string) ([]byte, error) { return yamlData, nil }),
		WithEnvLookup(func(string) (string, bool) { return "", false }),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, SourceFile, meta.Sources["cors_origins"])
}

func TestTracingEnabledDefaultsOffAndIsOverridable(t *testing.T) {
	cfg, _, err := Load(WithEnvLookup(func(string) (string, bool) { return "", false }))
	require.NoError(t, err)
	assert.False(t, cfg.TracingEnabled)

	env := map[string]string{"PILOTD_TRACING_ENABLED": "true"}
	cfg, meta, err := Load(WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, err)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, SourceEnv, meta.Sources["tracing_enabled"])
}

func TestPublicSubsetOmitsSecrets(t *testing.T) {
	cfg := defaults()
	subset := cfg.PublicSubset()
	_, hasRootDir := subset["root_dir"]
	assert.False(t, hasRootDir)
	assert.Contains(t, subset, "vlm_model_id")
}
