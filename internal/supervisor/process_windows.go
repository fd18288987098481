//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// Windows has no SIGTERM; 15 keeps ExitInfo.Clean consistent.
const terminationSignal = 15

// setSysProcAttr is a no-op on Windows (no process groups via Setpgid).
func setSysProcAttr(cmd *exec.Cmd) {}

// terminateProcess kills the process on Windows.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// forceKillProcess force-kills the process on Windows.
func forceKillProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func exitInfo(ps *os.ProcessState) ExitInfo {
	if ps == nil {
		return ExitInfo{Code: -1}
	}
	return ExitInfo{Code: ps.ExitCode()}
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
