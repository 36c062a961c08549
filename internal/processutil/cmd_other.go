//go:build !windows

package processutil

import "os/exec"

// HideConsoleWindow only has an effect on Windows.
func HideConsoleWindow(*exec.Cmd) {}
