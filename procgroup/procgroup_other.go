//go:build !unix

package procgroup

import (
	"errors"
	"os"
	"os/exec"
)

// Configure is a no-op where process groups are unavailable.
func Configure(cmd *exec.Cmd) {}

// ConfigureCancel leaves the default cancellation, which kills only the
// direct child.
func ConfigureCancel(cmd *exec.Cmd) {}

func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
