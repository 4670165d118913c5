package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/public-register-crawler/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootLoadsConfigIntoContext(t *testing.T) {
	path := writeFile(t, "config.yaml", "crawler:\n  workers: 3\nstorage:\n  backend: memory\n")

	var got config.Config
	root := newRootCmd()
	root.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			got = cfg
			return err
		},
	})
	root.SetArgs([]string{"probe", "--config", path, "--env-file", ""})

	require.NoError(t, root.Execute())
	assert.Equal(t, 3, got.Crawler.Workers)
	assert.Equal(t, config.BackendMemory, got.Storage.Backend)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", "crawler:\n  workers: 0\n")

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--config", path, "--env-file", ""})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, loadEnvFile(""))
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	const key = "REGISTER_CRAWLER_ENV_FILE_TEST"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	path := writeFile(t, ".env", key+"=loaded\n")

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv(key))
}
