//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/anvil-build/anvil/src/task"
)

// sandboxMountPoint is where the action's scratch directory is bind-mounted
// to once inside its own mount namespace.
const sandboxMountPoint = "/tmp/anvil-sandbox"

// mdLazytime lazily flushes disk writes; it has no named constant in
// package syscall.
const mdLazytime = 1 << 25

// cfsPeriodUs is the CFS scheduling period cpu.max's quota is expressed
// against; 100ms is the conventional default used throughout the cgroup v2
// ecosystem.
const cfsPeriodUs = 100000

// cgroupRoot is the well-known unified (v2) mount point.
const cgroupRoot = "/sys/fs/cgroup"

// DefaultReadOnlyBinds is bind-mounted read-only into every sandbox root
// unless an Executor overrides it: the minimum a dynamically linked binary
// needs to run at all.
var DefaultReadOnlyBinds = []string{"/bin", "/usr", "/lib", "/lib64"}

// prepareIsolation arranges for cmd to run under a fresh mount, UTS, IPC,
// PID and cgroup namespace (plus a fresh network namespace unless spec
// allows network access), by re-exec'ing this same binary through
// ReexecMarker: SysProcAttr.Cloneflags only takes effect at clone() time,
// before the target binary's own exec, so the actual mount setup (private
// root, read-only system binds, tmpfs /tmp, /proc) has to happen in a
// process that runs after unshare and before the real command starts -
// this binary, briefly, via RunReexecInit.
//
// It also creates a fresh cgroup for the action (degrading to a no-op if
// cgroup v2 delegation isn't available) and returns a join closure the
// caller uses to add the started child's pid once it's known - the
// cgroup.procs write has to come from this (host) process since
// CLONE_NEWCGROUP only virtualizes the child's view of /sys/fs/cgroup, it
// doesn't move the child into a cgroup by itself.
func prepareIsolation(spec *task.TaskSpec, workDir string, binds []string, limits cgroupLimits) (configure func(*exec.Cmd), join func(pid int) error, teardown func(), err error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving own executable: %w", err)
	}
	newRoot, err := os.MkdirTemp(filepath.Dir(workDir), "action-root-")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating sandbox root: %w", err)
	}

	cgroupJoin, cgroupTeardown, err := setupCgroup(filepath.Base(newRoot), limits)
	if err != nil {
		os.RemoveAll(newRoot)
		return nil, nil, nil, err
	}

	configure = func(cmd *exec.Cmd) {
		realArgv := append([]string{cmd.Path}, cmd.Args[1:]...)
		cmd.Path = self
		network := "0"
		if spec.AllowNetwork {
			network = "1"
		}
		cmd.Args = append([]string{self, ReexecMarker, workDir, newRoot, strings.Join(binds, ","), network}, realArgv...)

		flags := syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWPID | unix.CLONE_NEWCGROUP
		if !spec.AllowNetwork {
			flags |= syscall.CLONE_NEWNET
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Cloneflags: uintptr(flags),
			Pdeathsig:  syscall.SIGKILL,
			Setpgid:    true,
		}
	}
	join = cgroupJoin
	teardown = func() {
		cgroupTeardown()
		if err := os.RemoveAll(newRoot); err != nil {
			log.Warning("failed to clean up sandbox root %s: %s", newRoot, err)
		}
	}
	return configure, join, teardown, nil
}

// RunReexecInit is the body of the re-exec'd child described above: it
// builds the private root (system binds, tmpfs /tmp with the action's
// scratch directory bind-mounted in, a fresh /proc), pivots into it, brings
// up the loopback interface (needed even with a fresh network namespace:
// loopback isn't up by default in a new one) and then replaces itself with
// the real command. It only returns on error; success means this process
// image no longer exists.
func RunReexecInit(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("sandbox init: expected workdir, root, binds and network flag, got %v", args)
	}
	workDir, newRoot, bindList, networkFlag := args[0], args[1], args[2], args[3]
	argv := args[4:]
	if len(argv) == 0 {
		return fmt.Errorf("sandbox init: no command to run")
	}
	var binds []string
	if bindList != "" {
		binds = strings.Split(bindList, ",")
	}
	allowNetwork := networkFlag == "1"

	if err := mountTmp(workDir, newRoot, binds, allowNetwork); err != nil {
		return err
	}
	if err := mountProc(); err != nil {
		return err
	}
	if err := bringUpLoopback(); err != nil {
		return err
	}
	if err := rewriteEnvVars(workDir); err != nil {
		return err
	}
	if err := os.Chdir(sandboxMountPoint); err != nil {
		return fmt.Errorf("chdir into sandbox mount point: %w", err)
	}

	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		resolved = argv[0]
	}
	return syscall.Exec(resolved, argv, os.Environ())
}

// mountTmp builds the sandbox root at newRoot - read-only binds of the
// system paths a dynamically linked binary needs, a tmpfs /tmp with the
// action's materialized inputs bind-mounted in at sandboxMountPoint, and (if
// the action is allowed network access) a minimal synthetic /etc carrying
// just name resolution - then pivots into it so the rest of the host
// filesystem is no longer reachable.
func mountTmp(workDir, newRoot string, binds []string, allowNetwork bool) error {
	if err := syscall.Mount("", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("remounting / private: %w", err)
	}
	// pivot_root requires new_root to be a mount point in its own right;
	// a self bind mount is the standard way to qualify an ordinary
	// directory.
	if err := syscall.Mount(newRoot, newRoot, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mounting sandbox root onto itself: %w", err)
	}

	for _, src := range binds {
		if src == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			continue // e.g. no /lib64 on this host; nothing to bind
		}
		dst := filepath.Join(newRoot, src)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("creating bind target %s: %w", dst, err)
		}
		if err := syscall.Mount(src, dst, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
			return fmt.Errorf("bind-mounting %s: %w", src, err)
		}
		if err := syscall.Mount("", dst, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY|syscall.MS_REC, ""); err != nil {
			return fmt.Errorf("remounting %s read-only: %w", dst, err)
		}
	}

	tmpDir := filepath.Join(newRoot, "tmp")
	if err := os.MkdirAll(tmpDir, 0775); err != nil {
		return fmt.Errorf("creating %s: %w", tmpDir, err)
	}
	flags := uintptr(mdLazytime | syscall.MS_NOATIME | syscall.MS_NODEV | syscall.MS_NOSUID)
	if err := syscall.Mount("tmpfs", tmpDir, "tmpfs", flags, ""); err != nil {
		return fmt.Errorf("mounting tmpfs over %s: %w", tmpDir, err)
	}

	sandboxDir := filepath.Join(newRoot, strings.TrimPrefix(sandboxMountPoint, "/"))
	if err := os.MkdirAll(sandboxDir, 0775); err != nil {
		return fmt.Errorf("creating sandbox mount point: %w", err)
	}
	if err := syscall.Mount(workDir, sandboxDir, "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind-mounting %s to %s: %w", workDir, sandboxDir, err)
	}

	if err := os.MkdirAll(filepath.Join(newRoot, "proc"), 0555); err != nil {
		return fmt.Errorf("creating /proc mount point: %w", err)
	}

	if allowNetwork {
		if err := mountResolverFiles(newRoot); err != nil {
			return err
		}
	}

	return pivotInto(newRoot)
}

// mountResolverFiles bind-mounts the host's name-resolution files read-only
// into newRoot/etc: the one piece of host configuration a fetch task (the
// only task class allowed network access) needs to resolve anything.
func mountResolverFiles(newRoot string) error {
	etcDir := filepath.Join(newRoot, "etc")
	if err := os.MkdirAll(etcDir, 0755); err != nil {
		return fmt.Errorf("creating synthetic /etc: %w", err)
	}
	for _, name := range []string{"resolv.conf", "nsswitch.conf", "hosts"} {
		src := filepath.Join("/etc", name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(etcDir, name)
		if err := os.WriteFile(dst, nil, 0644); err != nil {
			return fmt.Errorf("creating bind target for %s: %w", src, err)
		}
		if err := syscall.Mount(src, dst, "", syscall.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind-mounting %s: %w", src, err)
		}
		if err := syscall.Mount("", dst, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remounting %s read-only: %w", dst, err)
		}
	}
	return nil
}

// pivotInto replaces the current process's root filesystem with newRoot,
// then detaches and discards whatever was mounted at "/" before: the host
// filesystem (everything except what was explicitly bind-mounted into
// newRoot above) becomes unreachable from this point on.
func pivotInto(newRoot string) error {
	oldRoot := filepath.Join(newRoot, ".oldroot")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("creating pivot_root put_old dir: %w", err)
	}
	if err := unix.PivotRoot(newRoot, oldRoot); err != nil {
		return fmt.Errorf("pivot_root into %s: %w", newRoot, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir into new root: %w", err)
	}
	if err := syscall.Mount("", "/.oldroot", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making old root private before detaching: %w", err)
	}
	if err := unix.Unmount("/.oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}
	if err := os.RemoveAll("/.oldroot"); err != nil {
		log.Warning("could not remove old root mount point: %s", err)
	}
	return nil
}

func mountProc() error {
	if err := syscall.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("mounting /proc: %w", err)
	}
	return nil
}

// bringUpLoopback sets IFF_UP on lo: a fresh network namespace starts with
// loopback present but administratively down, which breaks anything that
// talks to 127.0.0.1 even when the action otherwise has no network access.
func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return fmt.Errorf("building ifreq for lo: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("reading lo flags: %w", err)
	}
	ifr.SetUint32(ifr.Uint32() | unix.IFF_UP)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bringing up lo: %w", err)
	}
	return nil
}

// rewriteEnvVars replaces every occurrence of workDir in this process's
// environment with sandboxMountPoint, so a command that was told
// TMP_DIR=<host path> sees the path it'll actually find things at once
// namespaced.
func rewriteEnvVars(workDir string) error {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.Contains(value, workDir) {
			continue
		}
		if err := os.Setenv(key, strings.ReplaceAll(value, workDir, sandboxMountPoint)); err != nil {
			return fmt.Errorf("rewriting $%s: %w", key, err)
		}
	}
	return nil
}

// setupCgroup creates a fresh cgroup v2 leaf under this process's own
// cgroup and applies limits to it, returning a join closure (to add the
// sandboxed child once its pid is known) and a teardown closure (to remove
// the leaf once the child has exited). If limits asks for nothing, or
// cgroup v2 delegation isn't available - e.g. inside an unprivileged CI
// container - it degrades to a no-op rather than failing the sandbox
// outright: resource caps are best-effort, not a precondition for running
// at all.
func setupCgroup(name string, limits cgroupLimits) (join func(pid int) error, teardown func(), err error) {
	noop := func(int) error { return nil }
	noopTeardown := func() {}
	if limits.MemoryBytes == 0 && limits.CPUPercent == 0 && limits.IOWeight == 0 {
		return noop, noopTeardown, nil
	}

	base, err := ownCgroupPath()
	if err != nil {
		log.Warning("cgroup v2 not available, resource limits won't be enforced: %s", err)
		return noop, noopTeardown, nil
	}
	// Enabling controllers in the parent is required before a child
	// cgroup can set them; this frequently fails under non-delegated
	// cgroups and is ignored when it does; systemd delegation or running
	// as root generally has this already enabled.
	_ = os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte("+memory +cpu +io"), 0644)

	dir := filepath.Join(base, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		log.Warning("could not create cgroup %s, resource limits won't be enforced: %s", dir, err)
		return noop, noopTeardown, nil
	}

	if limits.MemoryBytes > 0 {
		writeCgroupFile(dir, "memory.max", strconv.FormatUint(limits.MemoryBytes, 10))
	}
	if limits.CPUPercent > 0 {
		quota := limits.CPUPercent * cfsPeriodUs / 100
		writeCgroupFile(dir, "cpu.max", fmt.Sprintf("%d %d", quota, cfsPeriodUs))
	}
	if limits.IOWeight > 0 {
		writeCgroupFile(dir, "io.weight", strconv.FormatUint(limits.IOWeight, 10))
	}

	join = func(pid int) error {
		return os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
	}
	teardown = func() {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			log.Warning("could not remove cgroup %s: %s", dir, err)
		}
	}
	return join, teardown, nil
}

func writeCgroupFile(dir, name, value string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0644); err != nil {
		log.Warning("could not set %s on %s: %s", name, dir, err)
	}
}

// ownCgroupPath returns the absolute path of this process's own cgroup v2
// leaf, parsed out of /proc/self/cgroup's unified-hierarchy entry.
func ownCgroupPath() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) == 3 && parts[0] == "0" && parts[1] == "" {
			return filepath.Join(cgroupRoot, parts[2]), nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 unified hierarchy entry in /proc/self/cgroup")
}
