package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("DISKTROLINK_TEST_STR", "value")
	t.Setenv("DISKTROLINK_TEST_INT", "42")
	t.Setenv("DISKTROLINK_TEST_BAD_INT", "forty-two")
	t.Setenv("DISKTROLINK_TEST_BOOL", "true")

	require.Equal(t, "value", GetEnv("DISKTROLINK_TEST_STR", "x"))
	require.Equal(t, "x", GetEnv("DISKTROLINK_TEST_MISSING", "x"))
	require.Equal(t, 42, GetEnvInt("DISKTROLINK_TEST_INT", 1))
	require.Equal(t, 1, GetEnvInt("DISKTROLINK_TEST_BAD_INT", 1))
	require.True(t, GetEnvBool("DISKTROLINK_TEST_BOOL", false))
	require.False(t, GetEnvBool("DISKTROLINK_TEST_MISSING", false))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DISKTROLINK_FROM_FILE=loaded\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("DISKTROLINK_FROM_FILE") })

	LoadEnv(path)
	require.Equal(t, "loaded", GetEnv("DISKTROLINK_FROM_FILE", ""))
}
