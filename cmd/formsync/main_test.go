package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/formsync/internal/config"
	"git.home.luguber.info/inful/formsync/internal/export"
)

func TestExportOptionsFromConfig(t *testing.T) {
	opts := exportOptions(config.ExportConfig{})
	require.Equal(t, export.DefaultOptions(), opts)

	split := false
	opts = exportOptions(config.ExportConfig{
		NARep:                 "-",
		GroupDelimiter:        ".",
		RemoveGroupName:       true,
		SplitSelectMultiples:  &split,
		BinarySelectMultiples: true,
	})
	require.Equal(t, "-", opts.NARep)
	require.Equal(t, ".", opts.GroupDelimiter)
	require.True(t, opts.RemoveGroupName)
	require.False(t, opts.SplitSelectMultiples)
	require.True(t, opts.BinarySelectMultiples)
}

func TestRunInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, runInit(path, false))

	// refuses to clobber without force
	require.Error(t, runInit(path, false))
	require.NoError(t, runInit(path, true))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Server.Addr)
	require.Equal(t, "./forms", cfg.Forms.Dir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "sync_interval")
}
