// Package procworld abstracts OS process-table lookups so session liveness
// and stale-session sweeping can be unit tested against a fake process
// world instead of real PIDs.
package procworld

import (
	"os"
	"syscall"
)

// World answers whether a given PID is alive and what a process's parent
// PID is. The real implementation probes PIDs with signal 0; tests
// inject a Fake.
type World interface {
	IsAlive(pid int) bool
	ParentPID(pid int) (int, bool)
	Self() int
}

// OS is the real process-table-backed World.
type OS struct{}

func (OS) Self() int { return os.Getpid() }

// IsAlive sends signal 0, which performs existence/permission checks
// without actually signaling the process.
func (OS) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// ESRCH means the process is gone; EPERM means it exists but we lack
	// permission to signal it, which still counts as alive.
	return err == syscall.EPERM
}

// ParentPID is not resolvable portably without /proc; the daemon instead
// records parent_pid at session-creation time from os.Getppid(), so the
// OS World does not need to resolve it after the fact.
func (OS) ParentPID(pid int) (int, bool) { return 0, false }

// Fake is an in-memory process world for tests.
type Fake struct {
	alive   map[int]bool
	parents map[int]int
	self    int
}

// NewFake creates an empty fake process world.
func NewFake(self int) *Fake {
	return &Fake{alive: map[int]bool{self: true}, parents: map[int]int{}, self: self}
}

func (f *Fake) Self() int { return f.self }

func (f *Fake) SetAlive(pid int, alive bool) { f.alive[pid] = alive }

func (f *Fake) SetParent(pid, parent int) { f.parents[pid] = parent }

func (f *Fake) IsAlive(pid int) bool { return f.alive[pid] }

func (f *Fake) ParentPID(pid int) (int, bool) {
	p, ok := f.parents[pid]
	return p, ok
}
