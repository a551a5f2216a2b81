// Package signature computes the action digest of a Task Spec: the one
// piece of identity every other component keys off (the Action Cache and
// the in-flight single-flight map both index by it).
//
// The canonical serialization itself lives on task.TaskSpec.Canonical, the
// same way incrementality.go keeps the rule-hash byte layout next to the
// BuildTarget it describes; this package is the thin, named entry point
// spec §4.D describes as its own component, plus the input-root plumbing
// that turns a set of resolved files into the Directory Tree digest a Task
// Spec references.
package signature

import (
	"sort"

	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/digest"
	"github.com/anvil-build/anvil/src/logging"
	"github.com/anvil-build/anvil/src/task"
)

var log = logging.MustGetLogger("signature")

// Computer computes action digests under a fixed hash algorithm.
type Computer struct {
	Algorithm digest.Algorithm
}

// New returns a Computer using algo (SHA256 if empty).
func New(algo digest.Algorithm) *Computer {
	if algo == "" {
		algo = digest.SHA256
	}
	return &Computer{Algorithm: algo}
}

// ActionDigest normalizes spec (sorting env, output paths and platform
// properties) and hashes its canonical serialization. Two Task Specs that
// differ only in the iteration order of those three fields produce the
// same digest; any other semantic difference, including a single byte of
// command, changes it.
func (c *Computer) ActionDigest(spec *task.TaskSpec) (digest.Digest, error) {
	d, err := spec.ActionDigest(c.Algorithm)
	if err != nil {
		return digest.Digest{}, err
	}
	log.Debug("computed action digest %s for %s", d, spec.Name)
	return d, nil
}

// InputFile describes one file to be made visible to a task, prior to
// being committed into the CAS and folded into its Directory Tree.
type InputFile struct {
	// Path is relative to the input root, slash-separated.
	Path          string
	Digest        digest.Digest
	ExecutableBit bool
	IsSymlink     bool
	SymlinkTarget string
}

// BuildInputRoot assembles files into a canonical Directory Tree, inserts
// every level of the tree into store, and returns the digest of the root -
// the value a Task Spec's InputRoot field references. Files must already
// have their content digests computed (e.g. via store.PutFile).
func BuildInputRoot(store *cas.Store, files []InputFile) (digest.Digest, error) {
	sorted := append([]InputFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	root := task.NewDirectory()
	for _, f := range sorted {
		root.Insert(f.Path, task.FileNode{
			Digest:        f.Digest,
			ExecutableBit: f.ExecutableBit,
			IsSymlink:     f.IsSymlink,
			SymlinkTarget: f.SymlinkTarget,
		})
	}
	return commitTree(store, root)
}

// commitTree inserts every Directory in the tree into store bottom-up
// (children before parents, since a parent's canonical bytes are only
// fixed once every child digest is known) and returns the root's digest.
func commitTree(store *cas.Store, dir *task.Directory) (digest.Digest, error) {
	names := make([]string, 0, len(dir.Directories))
	for name := range dir.Directories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := commitTree(store, dir.Directories[name]); err != nil {
			return digest.Digest{}, err
		}
	}
	b := dir.Canonical()
	return store.Put(b)
}
