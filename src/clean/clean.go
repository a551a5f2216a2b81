// Package clean implements removal of CAS and Action Cache storage
// directories, for wiping an engine's state between runs or after a
// corrupt store is detected. A directory is always relocated to a
// sibling name before it's removed, so the original path is free for
// reuse immediately rather than only once the (potentially large) delete
// finishes.
package clean

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/anvil-build/anvil/src/logging"
)

var log = logging.MustGetLogger("clean")

// All removes both the CAS and Action Cache directories one after another,
// waiting for each `rm -rf` to finish before returning.
func All(casDir, acDir string) error {
	for _, dir := range []string{casDir, acDir} {
		if err := removeSync(dir); err != nil {
			return err
		}
	}
	return nil
}

// AllAsync relocates both directories synchronously (so the caller can
// report completion immediately) and detaches an `rm -rf` of each into the
// background, not waiting for either to finish. It returns once both
// relocations have happened and both background deletes have been
// launched, not once they've completed.
func AllAsync(casDir, acDir string) error {
	var firstErr error
	for _, dir := range []string{casDir, acDir} {
		if err := removeDetached(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// removeSync relocates dir and waits for its removal to finish in a child
// `rm -rf`, logging its output on failure.
func removeSync(dir string) error {
	rm, relocated, err := relocate(dir)
	if err != nil || relocated == "" {
		return err
	}
	out, err := exec.Command(rm, "-rf", relocated).CombinedOutput()
	if err != nil {
		log.Error("failed to remove %s: %s", relocated, string(out))
	}
	return err
}

// removeDetached relocates dir and forks off an `rm -rf` of the relocated
// copy without waiting for it: os.StartProcess's child would still be
// reaped by this process's exit, but syscall.ForkExec is what actually
// detaches it from this goroutine so the caller isn't blocked on a
// potentially large delete.
func removeDetached(dir string) error {
	rm, relocated, err := relocate(dir)
	if err != nil || relocated == "" {
		return err
	}
	_, err = syscall.ForkExec(rm, []string{rm, "-rf", relocated}, nil)
	return err
}

// relocate renames dir to a randomly named sibling and resolves the `rm`
// binary used to remove it; relocated is empty (with a nil error) if dir
// didn't exist in the first place.
func relocate(dir string) (rm, relocated string, err error) {
	if !pathExists(dir) {
		return "", "", nil
	}
	rm, err = exec.LookPath("rm")
	if err != nil {
		return "", "", err
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating relocation name: %w", err)
	}
	name := filepath.Join(filepath.Dir(dir), ".anvil_clean_"+hex.EncodeToString(b))
	log.Notice("moving %s to %s", dir, name)
	if err := os.Rename(dir, name); err != nil {
		return "", "", err
	}
	return rm, name, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
