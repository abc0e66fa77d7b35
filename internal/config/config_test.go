package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, rest, err := Parse([]string{"-d", "dummy"})
	require.NoError(t, err)
	assert.Equal(t, "dummy", cfg.Driver)
	assert.Equal(t, "default", cfg.ServerName)
	assert.True(t, cfg.Realtime)
	assert.False(t, cfg.Temporary)
	assert.Empty(t, rest)
}

func TestParseDriverArgsTrailing(t *testing.T) {
	cfg, _, err := Parse([]string{"-d", "dummy", "-n", "myserver", "rate=48000", "period=256"})
	require.NoError(t, err)
	assert.Equal(t, "myserver", cfg.ServerName)
	assert.Equal(t, "48000", cfg.DriverArg["rate"])
	assert.Equal(t, "256", cfg.DriverArg["period"])
}

func TestParseNoRealtimeFlag(t *testing.T) {
	cfg, _, err := Parse([]string{"-d", "dummy", "-r"})
	require.NoError(t, err)
	assert.False(t, cfg.Realtime)
}

func TestParseMissingDriverFailsValidation(t *testing.T) {
	_, _, err := Parse([]string{})
	assert.Error(t, err)
	var badArgs *BadArgsError
	assert.ErrorAs(t, err, &badArgs)
}

func TestParseTemporaryAndVerbose(t *testing.T) {
	cfg, _, err := Parse([]string{"-d", "mem", "-T", "-v", "-t", "500", "-p", "64"})
	require.NoError(t, err)
	assert.True(t, cfg.Temporary)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, 500, cfg.ClientTimeoutMsec)
	assert.Equal(t, 64, cfg.PortMax)
}
