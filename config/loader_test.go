/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type marketoTestConfig struct {
	Host        string
	ClientID    string
	FolderID    int
	Timeout     time.Duration
	MaxFileSize ByteSize
	Extensions  []string
}

func (c *marketoTestConfig) KeyPrefix() string { return "marketo" }

func (c *marketoTestConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("folderId", 99)
	dp.SetDefault("timeout", "30s")
	dp.SetDefault("maxFileSize", "10M")
	dp.SetDefault("extensions", []string{".png", ".pdf"})
}

func (c *marketoTestConfig) Set(dp DataProvider) (err error) {
	if c.Host, err = dp.GetString("host"); err != nil {
		return err
	}
	if c.ClientID, err = dp.GetString("client.id"); err != nil {
		return err
	}
	if c.FolderID, err = dp.GetInt("folderId"); err != nil {
		return err
	}
	if c.Timeout, err = dp.GetDuration("timeout"); err != nil {
		return err
	}
	if c.MaxFileSize, err = dp.GetByteSize("maxFileSize"); err != nil {
		return err
	}
	c.Extensions, err = dp.GetStringSlice("extensions")
	return err
}

func TestLoader_LoadFromReader(t *testing.T) {
	cfgData := `
marketo:
  host: https://123-abc-456.mktorest.com
  client:
    id: client-id
  folderId: 7
  maxFileSize: 5Mi
`
	cfg := &marketoTestConfig{}
	err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, "https://123-abc-456.mktorest.com", cfg.Host)
	require.Equal(t, "client-id", cfg.ClientID)
	require.Equal(t, 7, cfg.FolderID)
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.Equal(t, ByteSize(5*1024*1024), cfg.MaxFileSize)
	require.Equal(t, []string{".png", ".pdf"}, cfg.Extensions)
}

func TestLoader_EnvVarsOverrideFile(t *testing.T) {
	t.Setenv("MARKETO_HOST", "https://env.mktorest.com")
	t.Setenv("MARKETO_CLIENT_ID", "env-client")
	t.Setenv("MARKETO_EXTENSIONS", ".png, .jpg")

	cfg := &marketoTestConfig{}
	err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString("marketo:\n  host: https://file.mktorest.com\n"), DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, "https://env.mktorest.com", cfg.Host)
	require.Equal(t, "env-client", cfg.ClientID)
	require.Equal(t, []string{".png", ".jpg"}, cfg.Extensions)
}

func TestLoader_InvalidValue(t *testing.T) {
	cfg := &marketoTestConfig{}
	err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString("marketo:\n  maxFileSize: lots\n"), DataTypeYAML, cfg)
	require.ErrorContains(t, err, "marketo.maxFileSize")
}

func TestLoadEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FEDERALE_TEST_HOST=https://dotenv.mktorest.com\nFEDERALE_TEST_KEPT=from-file\n"), 0o600))
	t.Setenv("FEDERALE_TEST_KEPT", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("FEDERALE_TEST_HOST") })

	require.NoError(t, LoadEnvFile(envFile))
	require.Equal(t, "https://dotenv.mktorest.com", os.Getenv("FEDERALE_TEST_HOST"))
	require.Equal(t, "from-env", os.Getenv("FEDERALE_TEST_KEPT"))

	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestByteSize_UnmarshalYAML(t *testing.T) {
	var v struct {
		Size ByteSize `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 10M"), &v))
	require.Equal(t, ByteSize(10*1024*1024), v.Size)
	require.Equal(t, "10M", v.Size.String())

	require.NoError(t, yaml.Unmarshal([]byte("size: 2048"), &v))
	require.Equal(t, ByteSize(2048), v.Size)

	require.Error(t, yaml.Unmarshal([]byte("size: ten"), &v))
}
