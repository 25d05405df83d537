package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Username  string `json:"username"`
	CookieJar string `json:"cookiejar"`
	Course    string `json:"course"`
}

func TestLocalName(t *testing.T) {
	require.Equal(t, "dir/lmsfetch.local.json5", LocalName("dir/lmsfetch.json5"))
	require.Equal(t, "config.local", LocalName("config"))
}

func TestReadConfigMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ReadConfig(filepath.Join(dir, "lmsfetch.json5"), testConfig{CookieJar: "cookies.txt"})
	require.NoError(t, err)
	require.Equal(t, testConfig{CookieJar: "cookies.txt"}, cfg)
}

func TestReadConfigLocalOverride(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "lmsfetch.json5")

	err := os.WriteFile(name, []byte(`{
		// comments are fine
		username: "au1234",
		course: "_1_1",
	}`), 0600)
	require.NoError(t, err)
	err = os.WriteFile(LocalName(name), []byte(`{course: "_2_1"}`), 0600)
	require.NoError(t, err)

	cfg, err := ReadConfig(name, testConfig{CookieJar: "cookies.txt", Course: "_0_1"})
	require.NoError(t, err)
	require.Equal(t, testConfig{
		Username:  "au1234",
		CookieJar: "cookies.txt",
		Course:    "_2_1",
	}, cfg)
}

func TestReadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "lmsfetch.json5")
	require.NoError(t, os.WriteFile(name, []byte(`{username: `), 0600))

	_, err := ReadConfig(name, testConfig{})
	require.Error(t, err)
}
