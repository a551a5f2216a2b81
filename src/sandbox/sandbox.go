// Package sandbox runs a Task Spec in an isolated subprocess: it
// materializes the spec's input root into a scratch directory, executes
// its command under OS-level isolation (a fresh mount/PID/network
// namespace on Linux; a plain subprocess elsewhere), enforces its timeout
// and memory ceiling, and collects its declared outputs back into the
// store as an Action Result. It is the engine's only Executor
// implementation and satisfies scheduler.Executor.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/anvil-build/anvil/src/cas"
	"github.com/anvil-build/anvil/src/errkind"
	"github.com/anvil-build/anvil/src/logging"
	"github.com/anvil-build/anvil/src/metrics"
	"github.com/anvil-build/anvil/src/process"
	"github.com/anvil-build/anvil/src/task"
)

var log = logging.MustGetLogger("sandbox")

// ReexecMarker is argv[1] this binary's main() must check for before
// flag parsing: if present, the process is the re-exec'd child a Linux
// Executor spawned to set up namespace isolation (see prepareIsolation),
// not a normal invocation. cmd/anvil dispatches to RunReexecInit and never
// returns when it sees this.
const ReexecMarker = "__anvil_sandbox_init__"

// DefaultTimeout applies when a Task Spec declares no timeout of its own.
const DefaultTimeout = 10 * time.Minute

// memoryPollInterval is how often a running task's RSS is sampled against
// its memory ceiling.
const memoryPollInterval = 200 * time.Millisecond

// memoryBytesPlatformKey is the Platform property a Task Spec can set to
// override the Executor's default memory ceiling for just that action.
const memoryBytesPlatformKey = "memory_bytes"

// cpuPercentPlatformKey is the Platform property a Task Spec can set to
// override the Executor's default cgroup CPU cap for just that action, as
// a percentage of one core (150 means one and a half cores).
const cpuPercentPlatformKey = "cpu_percent"

// cgroupLimits is the resolved set of cgroup v2 caps an Executor wants
// applied to a single action; it is shared between both platform builds of
// prepareIsolation so sandbox.go doesn't need its own build tags.
type cgroupLimits struct {
	MemoryBytes uint64
	CPUPercent  uint64
	IOWeight    uint64
}

// Executor materializes inputs, runs a command under isolation and
// collects outputs. The zero value is not usable; construct with New.
type Executor struct {
	// Root is the base directory scratch workspaces are created under.
	Root string
	// Store is where inputs are read from and outputs are written to.
	Store *cas.Store
	// DefaultMemoryCeilingBytes kills a task whose RSS exceeds it (via
	// polling) and caps its cgroup memory.max, unless the task's own
	// Platform overrides it; 0 means unbounded.
	DefaultMemoryCeilingBytes uint64
	// DefaultCPUPercent caps the cgroup cpu.max for every action unless
	// the task's own Platform overrides it; 0 means unbounded.
	DefaultCPUPercent uint64
	// ReadOnlyBinds is bind-mounted read-only into every sandbox root on
	// Linux; nil means DefaultReadOnlyBinds.
	ReadOnlyBinds []string

	proc *process.Executor
}

// New returns an Executor rooted at root, materializing from and
// committing to store.
func New(root string, store *cas.Store) *Executor {
	return &Executor{Root: root, Store: store, proc: process.New()}
}

// Execute runs spec to completion and implements scheduler.Executor. See
// that interface's doc for the committable/non-committable error
// contract: a non-zero exit or missing declared output comes back with a
// non-nil result and a committable errkind sentinel; anything that
// prevented the task from producing a trustworthy result at all (timeout,
// setup failure, oversized memory) comes back with a nil result.
func (e *Executor) Execute(ctx context.Context, spec *task.TaskSpec) (*task.ActionResult, error) {
	workDir, err := os.MkdirTemp(e.Root, "action-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch dir: %s", errkind.SandboxSetupFailed, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warning("failed to clean up scratch dir %s: %s", workDir, err)
		}
	}()

	if err := e.materializeInputs(spec, workDir); err != nil {
		return nil, fmt.Errorf("%w: materializing inputs: %s", errkind.SandboxSetupFailed, err)
	}

	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	argv := process.BashCommand(string(spec.Command))
	env := buildEnv(spec.Env, workDir)

	limits := cgroupLimits{
		MemoryBytes: e.memoryCeiling(spec),
		CPUPercent:  e.cpuPercent(spec),
		IOWeight:    0,
	}
	configure, join, teardown, err := prepareIsolation(spec, workDir, e.readOnlyBinds(), limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errkind.SandboxSetupFailed, err)
	}
	if teardown != nil {
		defer teardown()
	}

	started := make(chan int, 1)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	exceeded := make(chan struct{}, 1)
	var peakRSS uint64
	go e.awaitStarted(monitorCtx, started, join, limits.MemoryBytes, &peakRSS, exceeded)

	start := time.Now()
	result, runErr := e.proc.Run(ctx, workDir, env, timeout, argv, configure, started)
	wallDuration := time.Since(start)
	metrics.RecordSandboxDuration(wallDuration)

	select {
	case <-exceeded:
		return nil, errkind.MemoryExceeded
	default:
	}

	if runErr != nil {
		return nil, fmt.Errorf("%w: %s", errkind.SandboxInternalError, runErr)
	}
	if result.Cancelled {
		return nil, errkind.Cancelled
	}
	if result.TimedOut {
		return nil, errkind.TimeoutExceeded
	}

	stdoutDigest, err := e.Store.Put(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: committing stdout: %s", errkind.SandboxInternalError, err)
	}
	stderrDigest, err := e.Store.Put(result.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: committing stderr: %s", errkind.SandboxInternalError, err)
	}

	outputs, missing, err := e.collectOutputs(spec, workDir)
	if err != nil {
		return nil, fmt.Errorf("%w: collecting outputs: %s", errkind.SandboxInternalError, err)
	}

	actionResult := &task.ActionResult{
		ExitCode:        int32(result.ExitCode),
		OutputFiles:     outputs,
		StdoutDigest:    stdoutDigest,
		StderrDigest:    stderrDigest,
		WallDurationMs:  uint64(wallDuration.Milliseconds()),
		PeakMemoryBytes: peakRSS,
		CPUUserMs:       result.CPUUserMs,
		CPUSystemMs:     result.CPUSystemMs,
	}

	if missing != "" {
		return actionResult, fmt.Errorf("%w: %s", errkind.MissingDeclaredOutput, missing)
	}
	if actionResult.ExitCode != 0 {
		return actionResult, errkind.NonZeroExit
	}
	return actionResult, nil
}

// memoryCeiling resolves spec's effective memory limit: its own
// "memory_bytes" platform property, if set and well-formed, overrides the
// executor-wide default.
func (e *Executor) memoryCeiling(spec *task.TaskSpec) uint64 {
	if raw, ok := spec.Platform[memoryBytesPlatformKey]; ok {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return v
		}
		log.Warning("ignoring malformed %s platform property %q", memoryBytesPlatformKey, raw)
	}
	return e.DefaultMemoryCeilingBytes
}

// cpuPercent resolves spec's effective cgroup CPU cap the same way
// memoryCeiling resolves its memory ceiling.
func (e *Executor) cpuPercent(spec *task.TaskSpec) uint64 {
	if raw, ok := spec.Platform[cpuPercentPlatformKey]; ok {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return v
		}
		log.Warning("ignoring malformed %s platform property %q", cpuPercentPlatformKey, raw)
	}
	return e.DefaultCPUPercent
}

// readOnlyBinds returns the executor's configured system binds, or
// DefaultReadOnlyBinds if none were set.
func (e *Executor) readOnlyBinds() []string {
	if e.ReadOnlyBinds != nil {
		return e.ReadOnlyBinds
	}
	return DefaultReadOnlyBinds
}

// materializeInputs fetches spec's input root from the store and lays it
// out under dir: regular files hard-linked (or copied) in from the CAS,
// symlinks recreated, the executable bit restored.
func (e *Executor) materializeInputs(spec *task.TaskSpec, dir string) error {
	if spec.InputRoot.IsZero() {
		return nil
	}
	r, err := e.Store.Open(spec.InputRoot)
	if err != nil {
		return err
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	tree, err := task.UnmarshalDirectory(buf, spec.InputRoot.Algorithm())
	if err != nil {
		return err
	}
	return tree.Walk(func(f task.FileNode) error {
		dest := filepath.Join(dir, filepath.FromSlash(f.Path))
		if f.IsSymlink {
			if err := os.MkdirAll(filepath.Dir(dest), cas.DirPermissions); err != nil {
				return err
			}
			return os.Symlink(f.SymlinkTarget, dest)
		}
		if err := e.Store.LinkOut(f.Digest, dest); err != nil {
			return err
		}
		if f.ExecutableBit {
			return os.Chmod(dest, 0755)
		}
		return nil
	})
}

// collectOutputs reads every path in spec.OutputPaths back out of dir and
// commits it to the store. It returns the first declared output that
// doesn't exist, if any, rather than failing outright: the caller still
// needs the partial result to report a committable MissingDeclaredOutput.
func (e *Executor) collectOutputs(spec *task.TaskSpec, dir string) ([]task.FileNode, string, error) {
	outputs := append([]string(nil), spec.OutputPaths...)
	sort.Strings(outputs)

	var files []task.FileNode
	for _, rel := range outputs {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Lstat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return files, rel, nil
			}
			return nil, "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(abs)
			if err != nil {
				return nil, "", err
			}
			files = append(files, task.FileNode{Path: rel, IsSymlink: true, SymlinkTarget: target})
			continue
		}
		d, err := e.Store.PutFile(abs)
		if err != nil {
			return nil, "", err
		}
		files = append(files, task.FileNode{
			Path:          rel,
			Digest:        d,
			ExecutableBit: info.Mode()&0111 != 0,
		})
	}
	return files, "", nil
}

// buildEnv merges declared Env over a small set of variables every action
// can rely on, TMPDIR/TMP_DIR among them so commands that shell out to
// other tools land their scratch files inside the sandboxed workspace
// instead of the host's /tmp.
func buildEnv(declared map[string]string, workDir string) []string {
	env := []string{
		"TMPDIR=" + workDir,
		"TMP_DIR=" + workDir,
		"HOME=" + workDir,
	}
	keys := make([]string, 0, len(declared))
	for k := range declared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+declared[k])
	}
	return env
}

// awaitStarted waits for the sandboxed process's pid to arrive on started,
// joins it to its cgroup (if prepareIsolation created one) and then either
// polls its RSS against ceiling or just waits for cancellation, depending
// on whether a memory ceiling applies.
func (e *Executor) awaitStarted(ctx context.Context, started <-chan int, join func(pid int) error, ceiling uint64, peak *uint64, exceeded chan<- struct{}) {
	var pid int
	select {
	case pid = <-started:
	case <-ctx.Done():
		return
	}
	if join != nil {
		if err := join(pid); err != nil {
			log.Warning("failed to join cgroup for pid %d: %s", pid, err)
		}
	}
	if ceiling == 0 {
		<-ctx.Done()
		return
	}
	monitorMemory(ctx, pid, ceiling, peak, exceeded)
}

// monitorMemory polls pid's RSS via gopsutil, killing it and signaling
// exceeded if it ever tops ceiling.
func monitorMemory(ctx context.Context, pid int, ceiling uint64, peak *uint64, exceeded chan<- struct{}) {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return
	}
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := p.MemoryInfo()
			if err != nil {
				return // process has exited; Run's own wait loop already knows
			}
			if info.RSS > *peak {
				*peak = info.RSS
			}
			if info.RSS > ceiling {
				log.Warning("pid %d exceeded memory ceiling (%d > %d bytes), killing", pid, info.RSS, ceiling)
				_ = process.Kill(pid, syscall.SIGKILL)
				select {
				case exceeded <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
