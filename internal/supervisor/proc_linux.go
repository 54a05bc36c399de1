//go:build linux

package supervisor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// childAttr puts the child in its own process group and has the kernel kill
// it if the parent dies without running shutdown.
func childAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}
