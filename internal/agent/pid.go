package agent

import (
	"syscall"

	"github.com/procherder/agent/internal/tasksource"
)

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// signalPID signals the process group when possible (children are spawned
// with their own group) and falls back to the single pid for reattached
// processes whose group is unknown.
func signalPID(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func (a *Agent) newTaskSource(root string) *tasksource.Source {
	return tasksource.NewSource(root, a.logger)
}
