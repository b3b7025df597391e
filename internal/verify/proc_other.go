//go:build !unix

package verify

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func signalOf(*exec.ExitError) (string, bool) { return "", false }

// scratchLock falls back to exclusive creation where flock is unavailable.
type scratchLock struct {
	path string
}

func acquireScratchLock(path string) (*scratchLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrScratchBusy
		}
		return nil, err
	}
	_ = f.Close()
	return &scratchLock{path: path}, nil
}

func (l *scratchLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
