package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SLICEBOOK_TEST_A=from-file\nSLICEBOOK_TEST_B=from-file\n"), 0644))
	t.Setenv("SLICEBOOK_TEST_B", "from-process")
	t.Cleanup(func() { os.Unsetenv("SLICEBOOK_TEST_A") })

	LoadEnv(path)
	assert.Equal(t, "from-file", GetEnv("SLICEBOOK_TEST_A", "x"))
	assert.Equal(t, "from-process", GetEnv("SLICEBOOK_TEST_B", "x"))
	assert.Equal(t, "fallback", GetEnv("SLICEBOOK_TEST_UNSET", "fallback"))

	LoadEnv(filepath.Join(t.TempDir(), "missing.env"))
}
