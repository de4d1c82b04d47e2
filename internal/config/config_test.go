package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Load(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, 4800, cfg.ECU.Baud)
	assert.Equal(t, "fast", cfg.ParamCatalog.Profile)
}

func TestEnvOverridesApplyAfterYamlLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ECU_PORT", "/dev/ttyOverride")
	t.Setenv("PARAMCATALOG_PROFILE", "full")

	cfg := Load(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, "/dev/ttyOverride", cfg.ECU.Port)
	assert.Equal(t, "full", cfg.ParamCatalog.Profile)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.path = path
	cfg.ECU.Port = "/dev/ttyCustom"
	require.NoError(t, cfg.Save())

	reloaded := Load(path)
	assert.Equal(t, "/dev/ttyCustom", reloaded.ECU.Port)
}

func TestApplyPatchDeepMergesWithoutClobberingSiblings(t *testing.T) {
	cfg := Default()
	cfg.ECU.Port = "/dev/ttyOriginal"

	patch := []byte(`{"ecu": {"baud": 9600}, "paramcatalog": {"profile": "full"}}`)
	require.NoError(t, cfg.ApplyPatch(patch))

	assert.Equal(t, "/dev/ttyOriginal", cfg.ECU.Port)
	assert.Equal(t, 9600, cfg.ECU.Baud)
	assert.Equal(t, "full", cfg.ParamCatalog.Profile)
}

func TestApplyPatchRejectsMalformedJSON(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyPatch([]byte(`{not json`))
	assert.Error(t, err)
}
