// Package proctree terminates a spawned process together with all of its
// descendants. Interpreters and shells started by a supervised service must
// not outlive it, so a plain signal to the top level pid is never enough.
//
// On POSIX systems the child is started in its own process group (Prepare)
// and the whole group is signalled via the negative pid, falling back to the
// pid itself when the group signal fails. On Windows taskkill /T walks the
// tree.
package proctree

import "errors"

type Signal int

const (
	// Terminate asks the tree to exit gracefully.
	Terminate Signal = iota
	// Kill forcibly ends the tree.
	Kill
)

func (s Signal) String() string {
	switch s {
	case Terminate:
		return "terminate"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// ErrNoProcess is returned when neither the group nor the pid exist any more.
var ErrNoProcess = errors.New("process does not exist")

// Killer is the capability the supervisor uses to signal its child.
type Killer interface {
	KillProcessTree(pid int, sig Signal) error
}

// KillerFunc adapts a function to Killer.
type KillerFunc func(pid int, sig Signal) error

func (f KillerFunc) KillProcessTree(pid int, sig Signal) error {
	return f(pid, sig)
}

// System is the Killer of the current platform.
var System Killer = KillerFunc(KillProcessTree)
