package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/task"
)

func TestActionDigestOrderIndependent(t *testing.T) {
	c := New(digest.SHA256)
	s1 := &task.TaskSpec{
		Command:     []byte("run"),
		Env:         map[string]string{"A": "1", "B": "2"},
		OutputPaths: []string{"out/a", "out/b"},
		Platform:    map[string]string{"os": "linux"},
	}
	s2 := &task.TaskSpec{
		Command:     []byte("run"),
		Env:         map[string]string{"B": "2", "A": "1"},
		OutputPaths: []string{"out/b", "out/a"},
		Platform:    map[string]string{"os": "linux"},
	}
	d1, err := c.ActionDigest(s1)
	require.NoError(t, err)
	d2, err := c.ActionDigest(s2)
	require.NoError(t, err)
	assert.True(t, d1.Equal(d2))
}

func TestActionDigestDefaultsToSHA256(t *testing.T) {
	c := New("")
	assert.Equal(t, digest.SHA256, c.Algorithm)
}

func TestBuildInputRootDeterministic(t *testing.T) {
	store, err := cas.New(t.TempDir(), digest.SHA256, 0, time.Hour, 1024, false)
	require.NoError(t, err)
	contentA, err := store.Put([]byte("a"))
	require.NoError(t, err)
	contentB, err := store.Put([]byte("b"))
	require.NoError(t, err)

	files := []InputFile{
		{Path: "dir/b.txt", Digest: contentB},
		{Path: "a.txt", Digest: contentA},
	}
	reordered := []InputFile{
		{Path: "a.txt", Digest: contentA},
		{Path: "dir/b.txt", Digest: contentB},
	}

	root1, err := BuildInputRoot(store, files)
	require.NoError(t, err)
	root2, err := BuildInputRoot(store, reordered)
	require.NoError(t, err)
	assert.True(t, root1.Equal(root2))
	assert.True(t, store.Exists(root1))
}

func TestBuildInputRootSensitiveToContent(t *testing.T) {
	store, err := cas.New(t.TempDir(), digest.SHA256, 0, time.Hour, 1024, false)
	require.NoError(t, err)
	contentA, err := store.Put([]byte("a"))
	require.NoError(t, err)
	contentA2, err := store.Put([]byte("different a"))
	require.NoError(t, err)

	root1, err := BuildInputRoot(store, []InputFile{{Path: "a.txt", Digest: contentA}})
	require.NoError(t, err)
	root2, err := BuildInputRoot(store, []InputFile{{Path: "a.txt", Digest: contentA2}})
	require.NoError(t, err)
	assert.False(t, root1.Equal(root2))
}
