package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-build/anvil/src/digest"
)

func mustDigest(t *testing.T, b []byte) digest.Digest {
	t.Helper()
	d, err := digest.FromBytes(digest.SHA256, b)
	require.NoError(t, err)
	return d
}

func baseSpec(t *testing.T) *TaskSpec {
	return &TaskSpec{
		Name:        "pkg:target",
		Command:     []byte("echo hello"),
		Env:         map[string]string{"B": "2", "A": "1"},
		InputRoot:   mustDigest(t, []byte("input root")),
		OutputPaths: []string{"out/b", "out/a"},
		Platform:    map[string]string{"os": "linux", "arch": "amd64"},
		TimeoutMs:   60000,
	}
}

func TestActionDigestOrderIndependentEnv(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.Env = map[string]string{"A": "1", "B": "2"}
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.True(t, d1.Equal(d2))
}

func TestActionDigestOrderIndependentOutputsAndPlatform(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.OutputPaths = []string{"out/a", "out/b"}
	s2.Platform = map[string]string{"arch": "amd64", "os": "linux"}
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.True(t, d1.Equal(d2))
}

func TestActionDigestSensitiveToCommandByte(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.Command = []byte("echo hellO")
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.False(t, d1.Equal(d2))
}

func TestActionDigestSensitiveToEnvValue(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.Env = map[string]string{"B": "2", "A": "9"}
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.False(t, d1.Equal(d2))
}

func TestActionDigestSensitiveToInputRoot(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.InputRoot = mustDigest(t, []byte("different root"))
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.False(t, d1.Equal(d2))
}

func TestActionDigestSensitiveToTimeout(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.TimeoutMs = 60001
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.False(t, d1.Equal(d2))
}

func TestActionDigestSensitiveToAllowNetwork(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.AllowNetwork = true
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.False(t, d1.Equal(d2))
}

func TestActionDigestExcludesName(t *testing.T) {
	s1 := baseSpec(t)
	s2 := baseSpec(t)
	s2.Name = "totally different name"
	d1, err := s1.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	d2, err := s2.ActionDigest(digest.SHA256)
	require.NoError(t, err)
	assert.True(t, d1.Equal(d2))
}

func TestActionResultMarshalRoundTrip(t *testing.T) {
	r := &ActionResult{
		ExitCode:         7,
		WallDurationMs:   1234,
		CPUUserMs:        100,
		CPUSystemMs:      50,
		PeakMemoryBytes:  2048,
		StdoutDigest:     mustDigest(t, []byte("stdout")),
		StderrDigest:     mustDigest(t, []byte("stderr")),
		ExecutorMetadata: "host=build-01",
		OutputFiles: []FileNode{
			{Path: "out/a", Digest: mustDigest(t, []byte("a")), ExecutableBit: true},
			{Path: "out/b", Digest: mustDigest(t, []byte("b")), IsSymlink: true, SymlinkTarget: "a"},
		},
	}
	encoded := r.Marshal()
	decoded, err := UnmarshalActionResult(encoded, digest.SHA256)
	require.NoError(t, err)
	assert.Equal(t, r.ExitCode, decoded.ExitCode)
	assert.Equal(t, r.WallDurationMs, decoded.WallDurationMs)
	assert.Equal(t, r.CPUUserMs, decoded.CPUUserMs)
	assert.Equal(t, r.CPUSystemMs, decoded.CPUSystemMs)
	assert.Equal(t, r.PeakMemoryBytes, decoded.PeakMemoryBytes)
	assert.True(t, r.StdoutDigest.Equal(decoded.StdoutDigest))
	assert.True(t, r.StderrDigest.Equal(decoded.StderrDigest))
	assert.Equal(t, r.ExecutorMetadata, decoded.ExecutorMetadata)
	require.Len(t, decoded.OutputFiles, 2)
	assert.Equal(t, r.OutputFiles[0].Path, decoded.OutputFiles[0].Path)
	assert.True(t, r.OutputFiles[0].ExecutableBit)
	assert.True(t, decoded.OutputFiles[1].IsSymlink)
	assert.Equal(t, "a", decoded.OutputFiles[1].SymlinkTarget)
}

func TestActionResultExitCodeNegative(t *testing.T) {
	r := &ActionResult{ExitCode: -1}
	decoded, err := UnmarshalActionResult(r.Marshal(), digest.SHA256)
	require.NoError(t, err)
	assert.EqualValues(t, -1, decoded.ExitCode)
}

func TestDirectoryCanonicalOrderIndependent(t *testing.T) {
	d1 := NewDirectory()
	d1.Insert("b/c.txt", FileNode{Digest: mustDigest(t, []byte("c"))})
	d1.Insert("a.txt", FileNode{Digest: mustDigest(t, []byte("a"))})

	d2 := NewDirectory()
	d2.Insert("a.txt", FileNode{Digest: mustDigest(t, []byte("a"))})
	d2.Insert("b/c.txt", FileNode{Digest: mustDigest(t, []byte("c"))})

	digest1, err := d1.Digest(digest.SHA256)
	require.NoError(t, err)
	digest2, err := d2.Digest(digest.SHA256)
	require.NoError(t, err)
	assert.True(t, digest1.Equal(digest2))
}

func TestDirectoryCanonicalSensitiveToContent(t *testing.T) {
	d1 := NewDirectory()
	d1.Insert("a.txt", FileNode{Digest: mustDigest(t, []byte("a"))})

	d2 := NewDirectory()
	d2.Insert("a.txt", FileNode{Digest: mustDigest(t, []byte("different"))})

	digest1, err := d1.Digest(digest.SHA256)
	require.NoError(t, err)
	digest2, err := d2.Digest(digest.SHA256)
	require.NoError(t, err)
	assert.False(t, digest1.Equal(digest2))
}

func TestDirectoryInsertNested(t *testing.T) {
	d := NewDirectory()
	d.Insert("a/b/c.txt", FileNode{Digest: mustDigest(t, []byte("c"))})
	require.Contains(t, d.Directories, "a")
	require.Contains(t, d.Directories["a"].Directories, "b")
	require.Len(t, d.Directories["a"].Directories["b"].Files, 1)
	assert.Equal(t, "c.txt", d.Directories["a"].Directories["b"].Files[0].Path)
}

func TestDirectoryUnmarshalRoundTrip(t *testing.T) {
	d := NewDirectory()
	d.Insert("a.txt", FileNode{Digest: mustDigest(t, []byte("a")), ExecutableBit: true})
	d.Insert("sub/b.txt", FileNode{Digest: mustDigest(t, []byte("b")), IsSymlink: true, SymlinkTarget: "a.txt"})

	decoded, err := UnmarshalDirectory(d.Canonical(), digest.SHA256)
	require.NoError(t, err)

	originalDigest, err := d.Digest(digest.SHA256)
	require.NoError(t, err)
	decodedDigest, err := decoded.Digest(digest.SHA256)
	require.NoError(t, err)
	assert.True(t, originalDigest.Equal(decodedDigest))

	require.Len(t, decoded.Files, 1)
	assert.True(t, decoded.Files[0].ExecutableBit)
	require.Contains(t, decoded.Directories, "sub")
	require.Len(t, decoded.Directories["sub"].Files, 1)
	assert.True(t, decoded.Directories["sub"].Files[0].IsSymlink)
}

func TestDirectoryWalkOrdersAndJoinsPaths(t *testing.T) {
	d := NewDirectory()
	d.Insert("z.txt", FileNode{Digest: mustDigest(t, []byte("z"))})
	d.Insert("sub/a.txt", FileNode{Digest: mustDigest(t, []byte("a"))})

	var paths []string
	require.NoError(t, d.Walk(func(f FileNode) error {
		paths = append(paths, f.Path)
		return nil
	}))
	assert.Equal(t, []string{"sub/a.txt", "z.txt"}, paths)
}
