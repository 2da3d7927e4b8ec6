package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvFileOverridesDefaults(t *testing.T) {
	cfg := DeviceConfig{ServerURL: DefaultServerURL, ChunkSize: DefaultChunkSize}
	parseEnvFile("DEVICE_INDEX=2\nSERVER_URL=https://example.test/ota\n# comment\nCHUNK_SIZE=4096\n", &cfg)
	assert.Equal(t, 2, cfg.DeviceIndex)
	assert.Equal(t, "https://example.test/ota", cfg.ServerURL)
	assert.Equal(t, 4096, cfg.ChunkSize)
}

func TestParseEnvFileIgnoresMalformedLines(t *testing.T) {
	cfg := DeviceConfig{}
	parseEnvFile("not-a-line\nDEVICE_INDEX=notanumber\n", &cfg)
	assert.Equal(t, 0, cfg.DeviceIndex)
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	md5 := "deadbeefdeadbeefdeadbeefdeadbeef"
	require.NoError(t, SaveState(State{OverrideMD5: &md5}))

	got := LoadState()
	require.NotNil(t, got.OverrideMD5)
	assert.Equal(t, md5, *got.OverrideMD5)

	assert.FileExists(t, filepath.Join(dir, "miassistant", "state.json"))
}

func TestLoadStateMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	got := LoadState()
	assert.Nil(t, got.OverrideMD5)
}

func TestFindProjectRootFindsEnvInCWD(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DEVICE_INDEX=1\n"), 0o644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	assert.Equal(t, dir, findProjectRoot())
}
