package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPopulatesDefaults(t *testing.T) {
	o := New()
	require.Equal(t, DefaultMaxInstructionsPerBlock, o.MaxInstructionsPerBlock())
	require.Equal(t, DefaultBlockCacheL2Capacity, o.BlockCacheL2Capacity())
	require.True(t, o.EnforceTSO())
	require.Equal(t, "arm64", o.BackendISA())
}

func TestSetOverridesDefault(t *testing.T) {
	o := New()
	o.Set("backend.isa", "amd64")
	require.Equal(t, "amd64", o.BackendISA())
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/does-not-exist.toml")
	require.Error(t, err)
}
