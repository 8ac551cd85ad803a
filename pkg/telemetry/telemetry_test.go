package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopProvider_SpansAndShutdownAreInert(t *testing.T) {
	p := NoopProvider()

	ctx, end := p.StartSpan(context.Background(), "dispatcher.dispatch.read_file")
	require.NotNil(t, ctx)
	end()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_DisabledReturnsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_EnabledRequiresEndpoint(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true})
	require.Error(t, err)
}
