// Package cas implements the content-addressable store: a directory of
// immutable blobs named by their digest, with atomic writes, a bounded
// in-memory index, size-ceiling eviction and mark-and-sweep GC.
//
// Layout under Dir:
//
//	objects/<algo>/xx/yy/xxyy…   blobs
//	tmp/                         partial writes
//	locks/                       per-digest advisory lock files
package cas

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/logging"
	"github.com/anvil-build/anvil/src/metrics"
)

var log = logging.MustGetLogger("cas")

// DirPermissions is the mode new directories are created with.
const DirPermissions = 0775

// ErrMissing is returned when an operation references a digest not present
// in the store. It is errkind.CasMissing under another name so callers in
// this package can write the shorter, package-local spelling.
var ErrMissing = errkind.CasMissing

// ErrFull is returned by Put when the size ceiling cannot be satisfied even
// after an eviction pass.
var ErrFull = errkind.CasFull

// Stats summarizes the outcome of a GC pass.
type Stats struct {
	BlobsSwept  int
	BytesFreed  uint64
	BlobsMarked int
}

// Store is a content-addressable store rooted at Dir.
type Store struct {
	Dir         string
	Algorithm   digest.Algorithm
	SizeCeiling uint64
	GracePeriod time.Duration
	// Compress, when set, stores blobs xz-compressed on disk. Digests are
	// always computed over plaintext content, so this is transparent to
	// every digest-keyed lookup; only the write and LinkOut paths know
	// about it.
	Compress bool

	mu    sync.Mutex
	index map[string]int64 // hex -> size, bounded by indexCap
	order []string         // insertion order; the oldest-inserted key leaves the index first, and lookups do not move a key
	indexCap int
}

// New opens (creating if necessary) a Store rooted at dir. When compress is
// true, blobs are written xz-compressed; this trades write/read CPU for disk
// footprint and is transparent to every caller, since digests are always
// computed over the plaintext.
func New(dir string, algo digest.Algorithm, sizeCeiling uint64, gracePeriod time.Duration, indexCap int, compress bool) (*Store, error) {
	if algo == "" {
		algo = digest.SHA256
	}
	s := &Store{
		Dir:         dir,
		Algorithm:   algo,
		SizeCeiling: sizeCeiling,
		GracePeriod: gracePeriod,
		Compress:    compress,
		index:       map[string]int64{},
		indexCap:    indexCap,
	}
	for _, sub := range []string{"objects", "tmp", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), DirPermissions); err != nil {
			return nil, err
		}
	}
	if err := s.cleanTmp(); err != nil {
		log.Warning("failed to clean tmp directory on startup: %s", err)
	}
	return s, nil
}

func (s *Store) objectsRoot() string {
	return filepath.Join(s.Dir, "objects", string(s.Algorithm))
}

func (s *Store) objectPath(d digest.Digest) string {
	return filepath.Join(s.objectsRoot(), d.ShardPath())
}

func (s *Store) lockPath(d digest.Digest) string {
	return filepath.Join(s.Dir, "locks", d.Hex())
}

// cleanTmp removes stale partial writes left over from a previous crash.
func (s *Store) cleanTmp() error {
	tmpDir := filepath.Join(s.Dir, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			log.Warning("failed to remove stale tmp file %s: %s", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) newHasher() (hash.Hash, error) {
	switch s.Algorithm {
	case digest.SHA256, "":
		return sha256.New(), nil
	case digest.BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", s.Algorithm)
	}
}

// withLock runs fn while holding an exclusive advisory lock on the digest's
// lock file, via syscall.Flock.
func (s *Store) withLock(d digest.Digest, fn func() error) error {
	path := s.lockPath(d)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return fn()
}

func (s *Store) remember(d digest.Digest, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[d.Hex()]; !ok {
		if s.indexCap > 0 && len(s.order) >= s.indexCap {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.index, oldest)
		}
		s.order = append(s.order, d.Hex())
	}
	s.index[d.Hex()] = size
}

// Put computes the digest of b and stores it, returning the digest. If a
// blob with the same digest already exists, Put is a no-op and returns it.
func (s *Store) Put(b []byte) (digest.Digest, error) {
	d, err := digest.FromBytes(s.Algorithm, b)
	if err != nil {
		return digest.Digest{}, err
	}
	if s.existsUnlocked(d) {
		s.remember(d, int64(len(b)))
		return d, nil
	}
	if err := s.ensureRoom(uint64(len(b))); err != nil {
		return digest.Digest{}, err
	}
	err = s.withLock(d, func() error {
		if s.existsUnlocked(d) {
			return nil
		}
		return s.writeAtomic(d, func(f *os.File) error {
			return s.writePlaintext(f, b)
		})
	})
	if err != nil {
		return digest.Digest{}, err
	}
	s.remember(d, int64(len(b)))
	return d, nil
}

// PutFile streams path into the store, computing its digest without
// buffering the whole content in memory.
func (s *Store) PutFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return digest.Digest{}, err
	}

	h, err := s.newHasher()
	if err != nil {
		return digest.Digest{}, err
	}
	tmpPath := filepath.Join(s.Dir, "tmp", uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return digest.Digest{}, err
	}
	defer os.Remove(tmpPath)

	// The hash always runs over the plaintext stream; only the bytes
	// landing in tmp are optionally compressed.
	tee := io.TeeReader(bufio.NewReader(f), h)
	if s.Compress {
		xw, err := xz.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			return digest.Digest{}, err
		}
		if _, err := io.Copy(xw, tee); err != nil {
			xw.Close()
			tmp.Close()
			return digest.Digest{}, err
		}
		if err := xw.Close(); err != nil {
			tmp.Close()
			return digest.Digest{}, err
		}
	} else if _, err := io.Copy(tmp, tee); err != nil {
		tmp.Close()
		return digest.Digest{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return digest.Digest{}, err
	}
	if err := tmp.Close(); err != nil {
		return digest.Digest{}, err
	}

	d, err := digest.FromHex(s.Algorithm, hexString(h), info.Size())
	if err != nil {
		return digest.Digest{}, err
	}
	if s.existsUnlocked(d) {
		s.remember(d, info.Size())
		return d, nil
	}
	if err := s.ensureRoom(uint64(info.Size())); err != nil {
		return digest.Digest{}, err
	}
	err = s.withLock(d, func() error {
		if s.existsUnlocked(d) {
			return nil
		}
		dest := s.objectPath(d)
		if err := os.MkdirAll(filepath.Dir(dest), DirPermissions); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, dest); err != nil {
			return err
		}
		return fsyncDir(filepath.Dir(dest))
	})
	if err != nil {
		return digest.Digest{}, err
	}
	s.remember(d, info.Size())
	return d, nil
}

func hexString(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

// writeAtomic writes via a tmp file, fsyncs it, renames it into place and
// fsyncs the parent directory, per the CAS atomic-write contract.
func (s *Store) writeAtomic(d digest.Digest, write func(*os.File) error) error {
	dest := s.objectPath(d)
	if err := os.MkdirAll(filepath.Dir(dest), DirPermissions); err != nil {
		return err
	}
	tmpPath := filepath.Join(s.Dir, "tmp", uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return fsyncDir(filepath.Dir(dest))
}

// writePlaintext writes b to f, compressing it with xz first when the store
// has compression enabled.
func (s *Store) writePlaintext(f *os.File, b []byte) error {
	if !s.Compress {
		_, err := f.Write(b)
		return err
	}
	w, err := xz.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (s *Store) existsUnlocked(d digest.Digest) bool {
	if _, err := os.Stat(s.objectPath(d)); err == nil {
		return true
	}
	return false
}

// Exists reports whether d is present in the store.
func (s *Store) Exists(d digest.Digest) bool {
	s.mu.Lock()
	if _, ok := s.index[d.Hex()]; ok {
		s.mu.Unlock()
		metrics.RecordCASLookup(true)
		return true
	}
	s.mu.Unlock()
	hit := s.existsUnlocked(d)
	metrics.RecordCASLookup(hit)
	return hit
}

// Open returns a reader over the blob named by d, transparently decompressing
// it if the store was opened with compression enabled. The caller must Close
// it.
func (s *Store) Open(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordCASLookup(false)
			return nil, ErrMissing
		}
		return nil, err
	}
	metrics.RecordCASLookup(true)
	if !s.Compress {
		return f, nil
	}
	xr, err := xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decompressing %s: %w", d, err)
	}
	return &decompressingReadCloser{r: xr, f: f}, nil
}

// decompressingReadCloser pairs an xz.Reader (io.Reader only) with the
// underlying file it reads from, so callers get a plain io.ReadCloser.
type decompressingReadCloser struct {
	r io.Reader
	f *os.File
}

func (d *decompressingReadCloser) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *decompressingReadCloser) Close() error               { return d.f.Close() }

// Size returns the size in bytes of the blob named by d.
func (s *Store) Size(d digest.Digest) (uint64, error) {
	info, err := os.Stat(s.objectPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrMissing
		}
		return 0, err
	}
	return uint64(info.Size()), nil
}

// LinkOut materializes the blob named by d at destPath. With an
// uncompressed store this hard-links when possible, falling back to a copy
// across filesystems; a compressed store can never hand out its on-disk
// bytes directly, so it always decompresses into a fresh copy.
func (s *Store) LinkOut(d digest.Digest, destPath string) error {
	src := s.objectPath(d)
	info, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMissing
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), DirPermissions); err != nil {
		return err
	}
	os.Remove(destPath)
	if s.Compress {
		return s.decompressTo(d, destPath, info.Mode())
	}
	if err := os.Link(src, destPath); err == nil {
		return nil
	}
	return copyFile(src, destPath, info.Mode())
}

// decompressTo writes the decompressed content of d to destPath.
func (s *Store) decompressTo(d digest.Digest, destPath string, mode os.FileMode) error {
	r, err := s.Open(d)
	if err != nil {
		return err
	}
	defer r.Close()
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Verify rehashes the blob named by d and reports whether it still matches.
func (s *Store) Verify(d digest.Digest) (bool, error) {
	r, err := s.Open(d)
	if err != nil {
		return false, err
	}
	defer r.Close()
	got, err := digest.FromReader(d.Algorithm(), r)
	if err != nil {
		return false, err
	}
	return got.Equal(d), nil
}

// Occupancy reports the current blob count and total size on disk,
// without mutating anything - the read-only counterpart to GC, for
// reporting cache occupancy.
func (s *Store) Occupancy() (blobCount int, totalBytes uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, entries, err := s.totalSize()
	if err != nil {
		return 0, 0, err
	}
	return len(entries), total, nil
}

// IndexKey hashes a digest's string form (algorithm:hex) with xxhash for
// use as a fast, fixed-width key in callers' own in-memory indexes.
func IndexKey(d digest.Digest) uint64 {
	return xxhash.Sum64String(d.String())
}

// blobEntry is one on-disk blob discovered while walking objects/ for GC or
// eviction.
type blobEntry struct {
	Digest digest.Digest
	Path   string
	Size   int64
	Atime  int64
}

func (s *Store) walkBlobs() ([]blobEntry, error) {
	root := s.objectsRoot()
	var entries []blobEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		hex := filepath.Base(path)
		d, derr := digest.FromHex(s.Algorithm, hex, info.Size())
		if derr != nil {
			log.Warning("skipping malformed object %s: %s", path, derr)
			return nil
		}
		entries = append(entries, blobEntry{Digest: d, Path: path, Size: info.Size(), Atime: atime.Get(info).Unix()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return entries, nil
}

// Roots is the set of digests reachable from the live Action Cache; a
// caller (typically the Action Cache) constructs this by walking every
// Action Result it keeps and adding the digests it references. Input-root
// Directory Tree digests are not among them.
type Roots map[string]bool

// NewRoots returns an empty Roots set.
func NewRoots() Roots { return Roots{} }

// Add marks d reachable.
func (r Roots) Add(d digest.Digest) { r[d.String()] = true }

// Contains reports whether d was marked reachable.
func (r Roots) Contains(d digest.Digest) bool { return r[d.String()] }

// GC performs mark-and-sweep: every blob named in roots is kept; everything
// else older than the store's grace period is removed. GC excludes all
// other writers for its duration; readers may proceed throughout because
// sweep only removes files the mark phase never observed.
//
// A single blob that fails to remove doesn't abort the pass - GC keeps
// sweeping the rest and returns every removal failure together, so a caller
// sees the full picture of what was swept and what wasn't rather than just
// the first error.
func (s *Store) GC(roots Roots) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.walkBlobs()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	var errs *multierror.Error
	cutoff := time.Now().Add(-s.GracePeriod).Unix()
	for _, e := range entries {
		if roots.Contains(e.Digest) {
			stats.BlobsMarked++
			continue
		}
		if e.Atime > cutoff {
			continue // too young to sweep, even if unreferenced
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			log.Warning("failed to remove unreferenced blob %s: %s", e.Path, err)
			errs = multierror.Append(errs, fmt.Errorf("removing %s: %w", e.Path, err))
			continue
		}
		delete(s.index, e.Digest.Hex())
		stats.BlobsSwept++
		stats.BytesFreed += uint64(e.Size)
	}
	log.Info("gc: swept %d blobs (%s), kept %d marked", stats.BlobsSwept, humanize.Bytes(stats.BytesFreed), stats.BlobsMarked)
	return stats, errs.ErrorOrNil()
}

// totalSize sums the current size of every blob on disk.
func (s *Store) totalSize() (uint64, []blobEntry, error) {
	entries, err := s.walkBlobs()
	if err != nil {
		return 0, nil, err
	}
	var total uint64
	for _, e := range entries {
		total += uint64(e.Size)
	}
	return total, entries, nil
}

// ensureRoom runs an eviction pass if adding incoming bytes would exceed
// the size ceiling, dropping blobs oldest-first by atime (breaking
// near-simultaneous accesses by size, largest first) until the write fits.
// It considers every blob on disk: it runs no GC first and consults no
// root set, so it can remove a blob a live Action Cache entry references.
func (s *Store) ensureRoom(incoming uint64) error {
	if s.SizeCeiling == 0 {
		return nil
	}
	total, entries, err := s.totalSize()
	if err != nil {
		return err
	}
	if total+incoming <= s.SizeCeiling {
		return nil
	}
	const accessTimeGracePeriod = 600
	sort.Slice(entries, func(i, j int) bool {
		diff := entries[i].Atime - entries[j].Atime
		if diff > -accessTimeGracePeriod && diff < accessTimeGracePeriod {
			return entries[i].Size > entries[j].Size
		}
		return entries[i].Atime < entries[j].Atime
	})
	for _, e := range entries {
		if total+incoming <= s.SizeCeiling {
			return nil
		}
		if err := os.Remove(e.Path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warning("eviction: failed to remove %s: %s", e.Path, err)
			continue
		}
		s.mu.Lock()
		delete(s.index, e.Digest.Hex())
		s.mu.Unlock()
		total -= uint64(e.Size)
	}
	if total+incoming > s.SizeCeiling {
		return ErrFull
	}
	return nil
}
