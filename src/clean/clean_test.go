package clean

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllAsyncRemovesBothDirs(t *testing.T) {
	base := t.TempDir()
	cas := filepath.Join(base, "cas")
	ac := filepath.Join(base, "ac")
	require.NoError(t, os.MkdirAll(filepath.Join(cas, "a/b/c"), os.ModeDir|0775))
	require.NoError(t, os.MkdirAll(ac, 0775))
	require.NoError(t, AllAsync(cas, ac))
	assert.Eventually(t, func() bool {
		return !dirExists(t, cas) && !dirExists(t, ac)
	}, 10*time.Second, 100*time.Millisecond)
}

func TestAllAsyncNoopOnMissingDirs(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, AllAsync(filepath.Join(base, "nope1"), filepath.Join(base, "nope2")))
}

func TestAllRemovesBothDirs(t *testing.T) {
	base := t.TempDir()
	cas := filepath.Join(base, "cas")
	ac := filepath.Join(base, "ac")
	require.NoError(t, os.MkdirAll(cas, 0775))
	require.NoError(t, os.MkdirAll(ac, 0775))
	require.NoError(t, All(cas, ac))
	assert.NoDirExists(t, cas)
	assert.NoDirExists(t, ac)
}

func dirExists(t *testing.T, name string) bool {
	if pathExists(name) {
		return true
	}
	// Check it isn't still there under its renamed .anvil_clean form.
	entries, err := os.ReadDir(filepath.Dir(name))
	assert.NoError(t, err)
	return slices.ContainsFunc(entries, func(entry os.DirEntry) bool {
		return strings.Contains(entry.Name(), ".anvil_clean")
	})
}
