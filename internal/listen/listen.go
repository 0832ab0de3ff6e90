// Package listen sets up the manager's TCP and UNIX-domain listen
// endpoints per spec.md §6: TCP sockets get SO_REUSEADDR and SO_KEEPALIVE;
// a stale UNIX socket file is unlinked only after a connect() probe
// confirms no one is listening, and the new socket is created
// world-accessible (the filesystem path is the security boundary).
package listen

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// TCP opens a TCP listener on addr (host:port, IPv4 or IPv6) with
// SO_REUSEADDR and SO_KEEPALIVE set.
func TCP(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
		KeepAlive: 15 * time.Second,
	}

	ln, err := lc.Listen(nil, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: tcp %s: %w", addr, err)
	}
	return ln, nil
}

// Unix opens a UNIX-domain listener at path, world-accessible. If a stale
// socket file already exists at path, it is unlinked only after a
// connect() probe confirms nothing is listening on it, so a live manager
// is never stomped on by a second instance racing to bind the same path.
func Unix(path string) (net.Listener, error) {
	if err := probeAndRemoveStale(path); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: unix %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o777); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("listen: chmod %s: %w", path, err)
	}

	return ln, nil
}

func probeAndRemoveStale(path string) error {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listen: stat %s: %w", path, err)
	}

	conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("listen: %s: a manager is already listening on this socket", path)
	}

	// Nothing answered: the file is a stale leftover from an unclean
	// shutdown. Safe to remove and rebind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listen: remove stale socket %s: %w", path, err)
	}
	return nil
}
