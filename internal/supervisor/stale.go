package supervisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrEndpointInUse is returned by CleanStale when another process is still
// accepting connections on the endpoint.
var ErrEndpointInUse = errors.New("supervisor: endpoint in use")

// CleanStale removes a unix socket file left behind by a crashed run. It
// does nothing for TCP endpoints or when no file exists.
func CleanStale(network, addr string) error {
	if network != "unix" {
		return nil
	}
	info, err := os.Lstat(addr)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking endpoint %s: %w", addr, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("endpoint %s exists and is not a socket", addr)
	}

	if conn, err := net.DialTimeout(network, addr, 200*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrEndpointInUse, addr)
	}

	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale endpoint %s: %w", addr, err)
	}
	return nil
}
