//go:build !linux

package supervisor

import "syscall"

// childAttr puts the child in its own process group. Parent-death signals
// are Linux-specific; elsewhere an ungraceful parent exit relies on the
// child noticing its closed router connection.
func childAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
