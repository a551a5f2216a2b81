// Package process implements generic subprocess management: starting an
// external command with a timeout, capturing its output and escalating
// through SIGTERM then SIGKILL if it overruns.
package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("process")

// An Executor starts, runs and monitors a set of subprocesses, and can kill
// all of them at once (used when a build is cancelled or the engine exits).
type Executor struct {
	mutex     sync.Mutex
	processes map[*exec.Cmd]<-chan error
}

// New returns a new Executor.
func New() *Executor {
	return &Executor{processes: map[*exec.Cmd]<-chan error{}}
}

// Result is the outcome of running a subprocess to completion or to timeout.
type Result struct {
	Stdout      []byte
	Stderr      []byte
	Combined    []byte
	ExitCode    int
	TimedOut    bool
	Cancelled   bool
	CPUUserMs   uint64
	CPUSystemMs uint64
}

// Run starts argv[0] with the given working directory and environment
// (appended to the current environment) and waits for it to finish, for at
// most timeout. dir may be empty to inherit the caller's working directory.
//
// configure, if non-nil, is called on the *exec.Cmd after it's built but
// before Start, so a caller can attach namespace/cgroup isolation via
// SysProcAttr. started, if non-nil, receives the child's pid once Start
// succeeds, so a caller can attach a resource monitor; Run does not close
// it.
//
// Run does not use exec.CommandContext: that only ever sends SIGKILL on
// expiry, which gives children no chance to clean up after themselves.
// Instead it waits out the timeout itself and escalates through KillProcess.
func (e *Executor) Run(ctx context.Context, dir string, env []string, timeout time.Duration, argv []string, configure func(*exec.Cmd), started chan<- int) (*Result, error) {
	cmd := e.ExecCommand(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append([]string(nil), os.Environ()...), env...)
	if configure != nil {
		configure(cmd)
	}

	var stdout, stderr, combined safeBuffer
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = io.MultiWriter(&stderr, &combined)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if started != nil {
		started <- cmd.Process.Pid
	}
	ch := make(chan error, 1)
	e.registerProcess(cmd, ch)
	defer e.removeProcess(cmd)
	go func() { ch <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, cancelled bool
	var waitErr error
	select {
	case waitErr = <-ch:
	case <-timer.C:
		timedOut = true
		e.KillProcess(cmd)
		waitErr = <-ch
	case <-ctx.Done():
		cancelled = true
		e.KillProcess(cmd)
		waitErr = <-ch
	}

	userMs, sysMs := cpuTimes(cmd.ProcessState)
	result := &Result{
		Stdout:      stdout.Bytes(),
		Stderr:      stderr.Bytes(),
		Combined:    combined.Bytes(),
		TimedOut:    timedOut,
		Cancelled:   cancelled,
		CPUUserMs:   userMs,
		CPUSystemMs: sysMs,
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	} else if waitErr != nil {
		return result, waitErr
	}
	return result, nil
}

// BashCommand returns the argv used to run command as a single string
// inside a minimal, deterministic Bash shell: no profile/rc files, unset
// variables are an error, and a failure anywhere in a pipeline fails the
// whole command.
func BashCommand(command string) []string {
	return []string{"bash", "--noprofile", "--norc", "-e", "-u", "-o", "pipefail", "-c", command}
}

// Kill sends sig to the process group led by pid (as syscall.Kill(-pid)),
// outside of any Executor's bookkeeping.
// Used by callers (a memory-ceiling monitor, say) that only have a bare
// pid, not the *exec.Cmd that started it.
func Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// KillProcess kills a process, sending SIGTERM first and escalating to
// SIGKILL shortly after if it hasn't exited by then.
func (e *Executor) KillProcess(cmd *exec.Cmd) {
	e.killProcess(cmd, e.processChan(cmd))
}

func (e *Executor) killProcess(cmd *exec.Cmd, ch <-chan error) {
	if sendSignal(cmd, ch, syscall.SIGTERM, 5*time.Second) {
		return
	}
	if !sendSignal(cmd, ch, syscall.SIGKILL, time.Second) {
		log.Error("Failed to kill subprocess group for pid %d", pidOf(cmd))
	}
}

// sendSignal sends sig to the process group and reports whether the process
// exited within timeout.
func sendSignal(cmd *exec.Cmd, ch <-chan error, sig syscall.Signal, timeout time.Duration) bool {
	if cmd.Process == nil {
		return false
	}
	log.Debug("Sending %s to process group -%d", sig, cmd.Process.Pid)
	syscall.Kill(-cmd.Process.Pid, sig)
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func pidOf(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return -1
	}
	return cmd.Process.Pid
}

func (e *Executor) registerProcess(cmd *exec.Cmd, ch <-chan error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.processes[cmd] = ch
}

func (e *Executor) removeProcess(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.processes, cmd)
}

func (e *Executor) processChan(cmd *exec.Cmd) <-chan error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.processes[cmd]
}

// KillAll kills every subprocess this Executor has outstanding. Used when a
// build is cancelled so no orphaned sandboxes outlive it.
func (e *Executor) KillAll() {
	e.mutex.Lock()
	procs := make(map[*exec.Cmd]<-chan error, len(e.processes))
	for k, v := range e.processes {
		procs[k] = v
	}
	e.mutex.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(procs))
	for cmd, ch := range procs {
		go func(cmd *exec.Cmd, ch <-chan error) {
			defer wg.Done()
			e.killProcess(cmd, ch)
		}(cmd, ch)
	}
	wg.Wait()
}

// safeBuffer is a bytes.Buffer safe for concurrent writes from a command's
// stdout and stderr, which os/exec only guarantees when both point at the
// exact same io.Writer.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
