package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(fs)
	require.NoError(t, err)

	require.Equal(t, "localhost:8091", cfg.Cluster.SeedHost)
	require.Equal(t, "default", cfg.Cluster.BucketName)
	require.Equal(t, 1, cfg.Pool.MinPoolSize)
	require.Equal(t, 5, cfg.Pool.MaxPoolSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GOCBROUTER_CB_HOST", "cluster.example.com:8091")
	t.Setenv("GOCBROUTER_BUCKET", "travel-sample")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(fs)
	require.NoError(t, err)

	require.Equal(t, "cluster.example.com:8091", cfg.Cluster.SeedHost)
	require.Equal(t, "travel-sample", cfg.Cluster.BucketName)
}

func TestLoadFlagOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max-pool-size=20", "--multiplexed"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	require.Equal(t, 20, cfg.Pool.MaxPoolSize)
	require.True(t, cfg.Pool.Multiplexed)
}
