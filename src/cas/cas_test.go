package cas

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-build/anvil/src/digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), digest.SHA256, 0, time.Hour, 1024, false)
	require.NoError(t, err)
	return s
}

func TestPutThenOpenRoundTrips(t *testing.T) {
	s := newTestStore(t)
	content := []byte("hello\n")
	d, err := s.Put(content)
	require.NoError(t, err)

	r, err := s.Open(d)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	content := []byte("repeated content")
	d1, err := s.Put(content)
	require.NoError(t, err)
	d2, err := s.Put(content)
	require.NoError(t, err)
	assert.True(t, d1.Equal(d2))
}

func TestExistsFalseForUnknownDigest(t *testing.T) {
	s := newTestStore(t)
	d, err := digest.FromBytes(digest.SHA256, []byte("never stored"))
	require.NoError(t, err)
	assert.False(t, s.Exists(d))
}

func TestExistsTrueAfterPut(t *testing.T) {
	s := newTestStore(t)
	d, err := s.Put([]byte("x"))
	require.NoError(t, err)
	assert.True(t, s.Exists(d))
}

func TestOpenMissingReturnsErrMissing(t *testing.T) {
	s := newTestStore(t)
	d, err := digest.FromBytes(digest.SHA256, []byte("absent"))
	require.NoError(t, err)
	_, err = s.Open(d)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestPutFileStreamsAndMatchesPut(t *testing.T) {
	s := newTestStore(t)
	content := []byte("streamed via a real file on disk")
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, content, 0644))

	fromFile, err := s.PutFile(path)
	require.NoError(t, err)
	fromBytes, err := s.Put(content)
	require.NoError(t, err)
	assert.True(t, fromFile.Equal(fromBytes))
}

func TestCompressedStoreRoundTripsPlaintextDigest(t *testing.T) {
	plain := newTestStore(t)
	compressed, err := New(t.TempDir(), digest.SHA256, 0, time.Hour, 1024, true)
	require.NoError(t, err)

	content := []byte("some content that xz should shrink once repeated, repeated, repeated")
	dPlain, err := plain.Put(content)
	require.NoError(t, err)
	dCompressed, err := compressed.Put(content)
	require.NoError(t, err)

	assert.True(t, dPlain.Equal(dCompressed), "digest must be computed over plaintext regardless of on-disk compression")

	r, err := compressed.Open(dCompressed)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCompressedStoreLinkOutDecompresses(t *testing.T) {
	s, err := New(t.TempDir(), digest.SHA256, 0, time.Hour, 1024, true)
	require.NoError(t, err)
	content := []byte("decompress me on the way out, decompress me on the way out")
	d, err := s.Put(content)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, s.LinkOut(d, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCompressedStorePutFileRoundTrips(t *testing.T) {
	s, err := New(t.TempDir(), digest.SHA256, 0, time.Hour, 1024, true)
	require.NoError(t, err)
	content := []byte("streamed and compressed, streamed and compressed, streamed and compressed")
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, content, 0644))

	d, err := s.PutFile(path)
	require.NoError(t, err)
	r, err := s.Open(d)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLinkOutMaterializesFile(t *testing.T) {
	s := newTestStore(t)
	content := []byte("link me out")
	d, err := s.Put(content)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "nested", "out.txt")
	require.NoError(t, s.LinkOut(d, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLinkOutMissingDigest(t *testing.T) {
	s := newTestStore(t)
	d, err := digest.FromBytes(digest.SHA256, []byte("not stored"))
	require.NoError(t, err)
	err = s.LinkOut(d, filepath.Join(t.TempDir(), "out.txt"))
	assert.ErrorIs(t, err, ErrMissing)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	d, err := s.Put([]byte("intact"))
	require.NoError(t, err)
	ok, err := s.Verify(d)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(s.objectPath(d), []byte("corrupted"), 0644))
	ok, err = s.Verify(d)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCSweepsUnreferencedBlobs(t *testing.T) {
	s := newTestStore(t)
	s.GracePeriod = 0
	kept, err := s.Put([]byte("kept"))
	require.NoError(t, err)
	swept, err := s.Put([]byte("swept"))
	require.NoError(t, err)

	roots := NewRoots()
	roots.Add(kept)
	time.Sleep(10 * time.Millisecond)
	stats, err := s.GC(roots)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlobsSwept)
	assert.Equal(t, 1, stats.BlobsMarked)

	assert.True(t, s.Exists(kept))
	_, err = s.Open(swept)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestGCRespectsGracePeriod(t *testing.T) {
	s := newTestStore(t)
	s.GracePeriod = time.Hour
	unreferenced, err := s.Put([]byte("too young to sweep"))
	require.NoError(t, err)

	stats, err := s.GC(NewRoots())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.BlobsSwept)
	assert.True(t, s.Exists(unreferenced))
}

func TestEvictionDropsOldestWhenOverCeiling(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, digest.SHA256, 15, time.Hour, 1024, false)
	require.NoError(t, err)

	first, err := s.Put([]byte("0123456789"))
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	second, err := s.Put([]byte("9876543210"))
	require.NoError(t, err)

	assert.True(t, s.Exists(second))
	assert.False(t, s.Exists(first)) // 10+10 bytes exceeds the 15-byte ceiling, so the older blob goes
}

func TestPutFailsWhenCannotFreeEnoughSpace(t *testing.T) {
	s, err := New(t.TempDir(), digest.SHA256, 4, time.Hour, 1024, false)
	require.NoError(t, err)
	_, err = s.Put([]byte("this is far larger than four bytes"))
	assert.ErrorIs(t, err, ErrFull)
}

func TestCleanTmpRemovesStalePartials(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0775))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp", "stale"), []byte("leftover"), 0644))

	_, err := New(dir, digest.SHA256, 0, time.Hour, 1024, false)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
