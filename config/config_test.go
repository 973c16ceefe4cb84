package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	cfg.LogFormat = "json"
	cfg.GuardPublicKeys = []string{"02aa", "03bb"}
	cfg.RequiredSigners = 2
	cfg.APIPort = 9999

	require.NoError(t, Save(cfg, dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "json", loaded.LogFormat)
	assert.Equal(t, []string{"02aa", "03bb"}, loaded.GuardPublicKeys)
	assert.Equal(t, 2, loaded.RequiredSigners)
	assert.Equal(t, 9999, loaded.APIPort)
}

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	require.NoError(t, Save(cfg, dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 86400, loaded.EventTimeoutSeconds)
	assert.Equal(t, 300, loaded.SessionTimeoutSeconds)
	assert.Equal(t, 3600, loaded.ReprocessCooldownSeconds)
	assert.Equal(t, 1, loaded.RequiredSigners)
	assert.NotEmpty(t, loaded.P2PListenAddrs)
	assert.NotEmpty(t, loaded.SignerURL)
	assert.Equal(t, dir, loaded.NodeHome)
	assert.NotEmpty(t, loaded.DBPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	cfg.LogFormat = "xml"
	assert.Error(t, Save(cfg, t.TempDir()))

	cfg, err = LoadDefaultConfig()
	require.NoError(t, err)
	cfg.GuardPublicKeys = []string{"02aa"}
	cfg.RequiredSigners = 2
	assert.Error(t, Save(cfg, t.TempDir()))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}
