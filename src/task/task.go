// Package task holds the data model shared by the signature computer, the
// CAS, the action cache and the scheduler: Task Specs, Directory Trees and
// Action Results, together with their canonical on-disk/wire encodings.
//
// Every encoding here is length-prefixed and little-endian so that a field
// can never be confused with an adjacent one; this framing is part of the
// on-disk compatibility surface and must not change without a version bump.
package task

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/anvil-build/anvil/src/digest"
)

// FileNode is one entry in an input or output tree.
type FileNode struct {
	Path           string
	Digest         digest.Digest
	ExecutableBit  bool
	IsSymlink      bool
	SymlinkTarget  string
}

// Directory is one level of a Directory Tree: the files and subdirectories
// that live directly under it. Entries are stored unsorted; Canonical
// sorts them lexicographically by path component before encoding.
type Directory struct {
	Files       []FileNode
	Directories map[string]*Directory
}

// NewDirectory returns an empty Directory ready to be populated.
func NewDirectory() *Directory {
	return &Directory{Directories: map[string]*Directory{}}
}

// TaskSpec is the input description of one unit of work. Name is excluded
// from the canonical serialization: it is for logging/diagnostics only and
// never affects the action digest. (ExecutorMetadata, the other
// diagnostic-only field, lives on ActionResult, not here.)
type TaskSpec struct {
	Name         string
	Command      []byte
	Env          map[string]string
	InputRoot    digest.Digest
	OutputPaths  []string
	Platform     map[string]string
	TimeoutMs    uint64
	AllowNetwork bool
}

// ActionResult is the record committed on successful (or deterministically
// failed) execution of a TaskSpec.
type ActionResult struct {
	ExitCode         int32
	OutputFiles      []FileNode
	StdoutDigest     digest.Digest
	StderrDigest     digest.Digest
	WallDurationMs   uint64
	CPUUserMs        uint64
	CPUSystemMs      uint64
	PeakMemoryBytes  uint64
	ExecutorMetadata string
}

const taskSpecVersion = 1

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) {
	putBytes(buf, []byte(s))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Canonical returns the length-prefixed canonical serialization of the Task
// Spec used to compute its action digest:
//
//	v1 | command_len | command
//	   | env_count | (k_len,k,v_len,v)* sorted by k
//	   | output_count | (path_len,path)* sorted
//	   | platform_count | (k_len,k,v_len,v)* sorted by k
//	   | input_root_digest
//	   | timeout_ms:u64 | allow_network:u8
//
// All integers are little-endian. Two Task Specs that differ only in the
// iteration order of Env, OutputPaths or Platform produce identical output;
// any other semantic difference changes it.
func (t *TaskSpec) Canonical() []byte {
	var buf bytes.Buffer
	putUint32(&buf, taskSpecVersion)
	putBytes(&buf, t.Command)

	envKeys := sortedKeys(t.Env)
	putUint32(&buf, uint32(len(envKeys)))
	for _, k := range envKeys {
		putString(&buf, k)
		putString(&buf, t.Env[k])
	}

	outputs := append([]string(nil), t.OutputPaths...)
	sort.Strings(outputs)
	putUint32(&buf, uint32(len(outputs)))
	for _, p := range outputs {
		putString(&buf, p)
	}

	platKeys := sortedKeys(t.Platform)
	putUint32(&buf, uint32(len(platKeys)))
	for _, k := range platKeys {
		putString(&buf, k)
		putString(&buf, t.Platform[k])
	}

	putString(&buf, t.InputRoot.String())
	putUint64(&buf, t.TimeoutMs)
	if t.AllowNetwork {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// ActionDigest computes the action digest of the Task Spec: the digest of
// its canonical serialization under algo.
func (t *TaskSpec) ActionDigest(algo digest.Algorithm) (digest.Digest, error) {
	return digest.FromBytes(algo, t.Canonical())
}

func putFileNode(buf *bytes.Buffer, f FileNode) {
	putString(buf, f.Path)
	putString(buf, f.Digest.String())
	putUint32(buf, uint32(f.fileMode()))
}

// fileMode packs ExecutableBit and IsSymlink into the mode field of the
// on-disk framing: bit 0 is the executable bit, bit 1 marks a symlink.
// SymlinkTarget is carried out-of-band as a trailing string, not in mode.
func (f FileNode) fileMode() uint32 {
	var m uint32
	if f.ExecutableBit {
		m |= 1
	}
	if f.IsSymlink {
		m |= 2
	}
	return m
}

// Marshal encodes the Action Result in the canonical on-disk form:
//
//	exit_code:i32 | wall_ms:u64 | cpu_user_ms:u64 | cpu_sys_ms:u64 | peak_mem:u64
//	  | stdout_digest | stderr_digest
//	  | count:u32 | (path_len:u32, path, digest, mode:u32, target_len:u32, target)*
//
// All integers little-endian. ExecutorMetadata is appended after the
// framed fields above since it is diagnostic-only and never part of
// identity; readers of older records without it simply see an empty tail.
func (r *ActionResult) Marshal() []byte {
	var buf bytes.Buffer
	var exitCode [4]byte
	binary.LittleEndian.PutUint32(exitCode[:], uint32(r.ExitCode))
	buf.Write(exitCode[:])
	putUint64(&buf, r.WallDurationMs)
	putUint64(&buf, r.CPUUserMs)
	putUint64(&buf, r.CPUSystemMs)
	putUint64(&buf, r.PeakMemoryBytes)
	putString(&buf, r.StdoutDigest.String())
	putString(&buf, r.StderrDigest.String())
	putUint32(&buf, uint32(len(r.OutputFiles)))
	for _, f := range r.OutputFiles {
		putFileNode(&buf, f)
		putString(&buf, f.SymlinkTarget)
	}
	putString(&buf, r.ExecutorMetadata)
	return buf.Bytes()
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseDigestString(s string, algo digest.Algorithm) (digest.Digest, error) {
	if s == "" || s == (digest.Digest{}).String() {
		return digest.Digest{}, nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return digest.FromHex(digest.Algorithm(s[:i]), s[i+1:], -1)
		}
	}
	return digest.FromHex(algo, s, -1)
}

// UnmarshalActionResult decodes an Action Result previously produced by
// Marshal. algo resolves bare digest strings that predate algorithm
// prefixing; current records are self-describing.
func UnmarshalActionResult(b []byte, algo digest.Algorithm) (*ActionResult, error) {
	r := bytes.NewReader(b)
	var exitCodeBuf [4]byte
	if _, err := io.ReadFull(r, exitCodeBuf[:]); err != nil {
		return nil, fmt.Errorf("truncated action result: %w", err)
	}
	result := &ActionResult{ExitCode: int32(binary.LittleEndian.Uint32(exitCodeBuf[:]))}
	var err error
	if result.WallDurationMs, err = readUint64(r); err != nil {
		return nil, err
	}
	if result.CPUUserMs, err = readUint64(r); err != nil {
		return nil, err
	}
	if result.CPUSystemMs, err = readUint64(r); err != nil {
		return nil, err
	}
	if result.PeakMemoryBytes, err = readUint64(r); err != nil {
		return nil, err
	}
	stdout, err := readString(r)
	if err != nil {
		return nil, err
	}
	if result.StdoutDigest, err = parseDigestString(stdout, algo); err != nil {
		return nil, err
	}
	stderr, err := readString(r)
	if err != nil {
		return nil, err
	}
	if result.StderrDigest, err = parseDigestString(stderr, algo); err != nil {
		return nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	result.OutputFiles = make([]FileNode, 0, count)
	for i := uint32(0); i < count; i++ {
		path, err := readString(r)
		if err != nil {
			return nil, err
		}
		digestStr, err := readString(r)
		if err != nil {
			return nil, err
		}
		d, err := parseDigestString(digestStr, algo)
		if err != nil {
			return nil, err
		}
		mode, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		target, err := readString(r)
		if err != nil {
			return nil, err
		}
		result.OutputFiles = append(result.OutputFiles, FileNode{
			Path:          path,
			Digest:        d,
			ExecutableBit: mode&1 != 0,
			IsSymlink:     mode&2 != 0,
			SymlinkTarget: target,
		})
	}
	if meta, err := readString(r); err == nil {
		result.ExecutorMetadata = meta
	}
	return result, nil
}

// Canonical returns the length-prefixed canonical serialization of a
// Directory Tree, recursively: entries are sorted lexicographically by
// path component at every level so that two logically identical trees
// produce byte-identical output regardless of insertion order.
//
//	file_count:u32 | (path_len,path,digest,mode:u32,target_len,target)*
//	dir_count:u32  | (name_len,name,dir_len:u32,dir_bytes)*   (sorted by name)
func (d *Directory) Canonical() []byte {
	var buf bytes.Buffer
	files := append([]FileNode(nil), d.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	putUint32(&buf, uint32(len(files)))
	for _, f := range files {
		putFileNode(&buf, f)
		putString(&buf, f.SymlinkTarget)
	}

	names := make([]string, 0, len(d.Directories))
	for name := range d.Directories {
		names = append(names, name)
	}
	sort.Strings(names)
	putUint32(&buf, uint32(len(names)))
	for _, name := range names {
		putString(&buf, name)
		sub := d.Directories[name].Canonical()
		putBytes(&buf, sub)
	}
	return buf.Bytes()
}

// Digest computes the digest naming this Directory Tree.
func (d *Directory) Digest(algo digest.Algorithm) (digest.Digest, error) {
	return digest.FromBytes(algo, d.Canonical())
}

// UnmarshalDirectory decodes a Directory Tree previously produced by
// Canonical. Since Canonical inlines every nested Directory's bytes rather
// than referencing them by digest, a single call reconstructs the whole
// tree; algo resolves bare digest strings that predate algorithm prefixing.
func UnmarshalDirectory(b []byte, algo digest.Algorithm) (*Directory, error) {
	return readDirectory(bytes.NewReader(b), algo)
}

func readDirectory(r *bytes.Reader, algo digest.Algorithm) (*Directory, error) {
	dir := NewDirectory()
	fileCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < fileCount; i++ {
		path, err := readString(r)
		if err != nil {
			return nil, err
		}
		digestStr, err := readString(r)
		if err != nil {
			return nil, err
		}
		d, err := parseDigestString(digestStr, algo)
		if err != nil {
			return nil, err
		}
		mode, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		target, err := readString(r)
		if err != nil {
			return nil, err
		}
		dir.Files = append(dir.Files, FileNode{
			Path:          path,
			Digest:        d,
			ExecutableBit: mode&1 != 0,
			IsSymlink:     mode&2 != 0,
			SymlinkTarget: target,
		})
	}
	dirCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < dirCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		sub, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		subDir, err := readDirectory(bytes.NewReader(sub), algo)
		if err != nil {
			return nil, err
		}
		dir.Directories[name] = subDir
	}
	return dir, nil
}

// Walk calls fn once for every file in the tree, in lexicographic path
// order, with Path rewritten to be slash-joined relative to this Directory.
func (d *Directory) Walk(fn func(FileNode) error) error {
	var nodes []FileNode
	if err := d.walk("", func(f FileNode) error {
		nodes = append(nodes, f)
		return nil
	}); err != nil {
		return err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) walk(prefix string, fn func(FileNode) error) error {
	files := append([]FileNode(nil), d.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		node := f
		if prefix != "" {
			node.Path = prefix + "/" + f.Path
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(d.Directories))
	for name := range d.Directories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub := name
		if prefix != "" {
			sub = prefix + "/" + name
		}
		if err := d.Directories[name].walk(sub, fn); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds a file at the given slash-separated relative path, creating
// any intermediate directories as needed.
func (d *Directory) Insert(path string, node FileNode) {
	dir, base := splitPath(path)
	cur := d
	for _, part := range dir {
		next, ok := cur.Directories[part]
		if !ok {
			next = NewDirectory()
			cur.Directories[part] = next
		}
		cur = next
	}
	node.Path = base
	cur.Files = append(cur.Files, node)
}

func splitPath(path string) (dirs []string, base string) {
	parts := []string{}
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		parts = append(parts, path[start:])
	}
	if len(parts) == 0 {
		return nil, ""
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}
