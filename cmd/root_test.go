package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRootLoadsConfigIntoContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scraper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8123\noutput:\n  root: "+dir+"\n"), 0o600))

	root := newRootCmd()
	var port int
	root.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			require.NotNil(t, logger)
			port = cfg.Server.Port
			return nil
		},
	})
	root.SetArgs([]string{"--config", path, "probe"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Equal(t, 8123, port)
}

func TestRootFailsOnMissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "serve"})
	root.SilenceErrors = true
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "load config")
}

func TestResolveWithoutConfig(t *testing.T) {
	_, _, err := resolve(context.Background())
	require.Error(t, err)
}
