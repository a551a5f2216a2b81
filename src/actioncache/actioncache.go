// Package actioncache implements the persistent map from action digest to
// Action Result: a directory of small files named by the action digest's
// shard path, written atomically and guarded by per-key advisory locks.
package actioncache

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/logging"
	"github.com/anvil-build/anvil/src/metrics"
	"github.com/anvil-build/anvil/src/task"
)

var log = logging.MustGetLogger("actioncache")

// DirPermissions is the mode new directories are created with.
const DirPermissions = 0775

// ErrMissing is returned when Get is called for a digest with no entry. A
// corrupt entry is also reported as ErrMissing (and deleted) rather than
// as errkind.AcCorrupt, since per the propagation policy the caller's only
// correct response to either is to re-execute.
var ErrMissing = errkind.AcMissing

// Cache is a persistent ActionDigest -> ActionResult map rooted at Dir.
type Cache struct {
	Dir       string
	Algorithm digest.Algorithm
}

// New opens (creating if necessary) an action cache rooted at dir.
func New(dir string, algo digest.Algorithm) (*Cache, error) {
	if algo == "" {
		algo = digest.SHA256
	}
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, err
	}
	return &Cache{Dir: dir, Algorithm: algo}, nil
}

func (c *Cache) entryPath(actionDigest digest.Digest) string {
	return filepath.Join(c.Dir, actionDigest.ShardPath())
}

func (c *Cache) lockPath(actionDigest digest.Digest) string {
	return filepath.Join(c.Dir, "locks", actionDigest.Hex())
}

// Get reads the Action Result cached for actionDigest. A corrupt entry is
// deleted and reported as ErrMissing, so a caller never needs to
// distinguish "never cached" from "cached but unreadable" - both mean
// re-execute.
func (c *Cache) Get(actionDigest digest.Digest) (*task.ActionResult, error) {
	b, err := os.ReadFile(c.entryPath(actionDigest))
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordActionCacheLookup(false)
			return nil, ErrMissing
		}
		return nil, err
	}
	result, err := task.UnmarshalActionResult(b, c.Algorithm)
	if err != nil {
		log.Warning("corrupt action cache entry %s, removing: %s", actionDigest, err)
		os.Remove(c.entryPath(actionDigest))
		metrics.RecordActionCacheLookup(false)
		return nil, ErrMissing
	}
	metrics.RecordActionCacheLookup(true)
	return result, nil
}

// Put writes result as the Action Result for actionDigest, atomically and
// under a per-key lock. A concurrent Put for the same key is serialized;
// the last committed write wins.
func (c *Cache) Put(actionDigest digest.Digest, result *task.ActionResult) error {
	dest := c.entryPath(actionDigest)
	if err := os.MkdirAll(filepath.Dir(dest), DirPermissions); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(c.Dir, "locks"), DirPermissions); err != nil {
		return err
	}
	lockPath := c.lockPath(actionDigest)
	lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer lockFile.Close()
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	tmpPath := filepath.Join(c.Dir, "locks", uuid.NewString())
	defer os.Remove(tmpPath)
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(result.Marshal()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return err
	}
	return fsyncParent(dest)
}

func fsyncParent(path string) error {
	f, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Invalidate removes the entry for actionDigest, if any.
func (c *Cache) Invalidate(actionDigest digest.Digest) error {
	err := os.Remove(c.entryPath(actionDigest))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Prune removes every Action Cache entry that references a digest not
// present in store, invalidating stale entries left behind by a CAS GC
// that ran with a different (older) root set.
func (c *Cache) Prune(store *cas.Store) (int, error) {
	root := filepath.Join(c.Dir)
	locksDir := filepath.Join(c.Dir, "locks")
	var removed int
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if path == locksDir || filepath.Dir(path) == locksDir {
			return nil
		}
		b, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		result, perr := task.UnmarshalActionResult(b, c.Algorithm)
		if perr != nil {
			os.Remove(path)
			removed++
			return nil
		}
		if !referencedDigestsExist(store, result) {
			os.Remove(path)
			removed++
		}
		return nil
	})
	return removed, err
}

// Roots collects every digest referenced by a live entry in the cache, for
// use as the keep-set of a CAS GC pass: a blob still named by a cached
// Action Result must survive, even if nothing else references it.
func (c *Cache) Roots() (cas.Roots, error) {
	roots := cas.NewRoots()
	root := filepath.Join(c.Dir)
	locksDir := filepath.Join(c.Dir, "locks")
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if path == locksDir || filepath.Dir(path) == locksDir {
			return nil
		}
		b, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		result, perr := task.UnmarshalActionResult(b, c.Algorithm)
		if perr != nil {
			return nil
		}
		if !result.StdoutDigest.IsZero() {
			roots.Add(result.StdoutDigest)
		}
		if !result.StderrDigest.IsZero() {
			roots.Add(result.StderrDigest)
		}
		for _, f := range result.OutputFiles {
			if !f.Digest.IsZero() {
				roots.Add(f.Digest)
			}
		}
		return nil
	})
	return roots, err
}

// Count returns the number of entries currently in the cache.
func (c *Cache) Count() (int, error) {
	locksDir := filepath.Join(c.Dir, "locks")
	var n int
	err := filepath.Walk(c.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if path == locksDir || filepath.Dir(path) == locksDir {
			return nil
		}
		n++
		return nil
	})
	return n, err
}

func referencedDigestsExist(store *cas.Store, result *task.ActionResult) bool {
	if !result.StdoutDigest.IsZero() && !store.Exists(result.StdoutDigest) {
		return false
	}
	if !result.StderrDigest.IsZero() && !store.Exists(result.StderrDigest) {
		return false
	}
	for _, f := range result.OutputFiles {
		if !f.Digest.IsZero() && !store.Exists(f.Digest) {
			return false
		}
	}
	return true
}
