package govstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_FreshStateAllowsBootstrap(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.True(t, s.CanBootstrap())
	require.Equal(t, 0, s.ApprovedPlansCount())
}

func TestMarkBootstrapDone_PersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.MarkBootstrapDone())
	require.False(t, s.CanBootstrap())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.False(t, reloaded.CanBootstrap())
	require.Equal(t, 1, reloaded.ApprovedPlansCount())
}
