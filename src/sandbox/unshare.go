//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/anvil-build/anvil/src/task"
)

// DebugShell runs argv attached to this process's std in/out/err, under
// the same namespace isolation an Action gets, rooted at workDir. It's
// `anvil debug-shell` - useful for poking around inside the sandbox an
// action actually ran in, e.g. `anvil debug-shell -d /tmp/anvil-kept-0 -e bash`.
func DebugShell(workDir string, argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr

	configure, join, teardown, err := prepareIsolation(&task.TaskSpec{AllowNetwork: false}, workDir, DefaultReadOnlyBinds, cgroupLimits{})
	if err != nil {
		return fmt.Errorf("preparing isolation: %w", err)
	}
	defer teardown()
	configure(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %q: %w", strings.Join(argv, " "), err)
	}
	if join != nil {
		if err := join(cmd.Process.Pid); err != nil {
			log.Warning("failed to join cgroup: %s", err)
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to run %q: %w", strings.Join(argv, " "), err)
	}
	return nil
}
