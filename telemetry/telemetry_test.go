package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithoutOTLPOnlyEnablesPrometheus(t *testing.T) {
	providers, err := Setup(context.Background(), Options{
		EnableMetrics: true,
		EnableTraces:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, providers.MeterProvider)
	require.Nil(t, providers.TracerProvider)

	providers.Shutdown(context.Background())
}
