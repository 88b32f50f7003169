//go:build linux

// setaffinity_linux.go
//
// Linux binding for sched_setaffinity(2) that pins **this** OS thread to a
// single logical CPU.
//
// Design notes
// ------------
//   • Errors are swallowed: inside containers or cgroup-restricted systems
//     the call may fail with EPERM/EINVAL; the fallback is simply "no pin".
//   • Cores beyond the set size are ignored.

package control

import "golang.org/x/sys/unix"

// setAffinity pins the *current thread* to `cpu` (0-based).
func setAffinity(cpu int) {
	var set unix.CPUSet
	if cpu < 0 {
		return
	}
	set.Set(cpu) // out-of-range cores leave the set empty
	if set.Count() == 0 {
		return
	}
	_ = unix.SchedSetaffinity(0, &set) // pid 0 → current thread
}
