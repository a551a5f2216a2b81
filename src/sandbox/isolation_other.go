//go:build !linux

package sandbox

import (
	"fmt"
	"os/exec"

	"github.com/anvil-build/anvil/src/task"
)

// prepareIsolation is a no-op outside Linux: namespaces and cgroups aren't
// available, so the command just runs as a plain subprocess with no
// filesystem or resource confinement.
func prepareIsolation(spec *task.TaskSpec, workDir string, binds []string, limits cgroupLimits) (configure func(*exec.Cmd), join func(pid int) error, teardown func(), err error) {
	return nil, nil, nil, nil
}

// RunReexecInit is never reached on this platform: prepareIsolation never
// produces ReexecMarker, so cmd/anvil has nothing to dispatch to it.
func RunReexecInit(args []string) error {
	return fmt.Errorf("sandbox isolation is not supported on this platform")
}
