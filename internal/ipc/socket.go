// Package ipc exposes governor energy snapshots to local processes over a
// Unix domain socket. Every inbound line is treated as untrusted input:
// request size, connection concurrency, and accept rate are all bounded.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// ErrSocketInUse indicates a live listener is already bound to the socket
// path. Stale socket files left by a crashed daemon are cleared instead.
var ErrSocketInUse = errors.New("socket path already in use")

// probeTimeout bounds the connection attempt used to distinguish a live
// listener from a stale socket file.
const probeTimeout = 100 * time.Millisecond

// SocketConfig controls where and how the IPC socket is exposed.
type SocketConfig struct {
	// Path is the filesystem location of the Unix domain socket.
	Path string

	// Group, when non-empty, names the POSIX group granted access to the
	// socket alongside the daemon's effective user.
	Group string

	// Mode is the permission bits applied after binding. Zero means the
	// default 0660 (owner and group only, no world access).
	Mode os.FileMode
}

// Listen binds the Unix domain socket described by cfg. An existing path is
// probed first: a responding listener aborts with ErrSocketInUse, while a
// stale endpoint is unlinked. The socket is created under a restrictive
// umask and then narrowed to the configured mode and group.
func Listen(cfg SocketConfig) (net.Listener, error) {
	if cfg.Mode == 0 {
		cfg.Mode = 0o660
	}

	if _, err := os.Stat(cfg.Path); err == nil {
		if probeSocket(cfg.Path) {
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, cfg.Path)
		}
		if err := os.Remove(cfg.Path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	// Bind with no group/world bits so there is no window where the
	// socket is broader than intended, then widen to the target mode.
	oldMask := syscall.Umask(0o077)
	listener, err := net.Listen("unix", cfg.Path)
	syscall.Umask(oldMask)
	if err != nil {
		return nil, fmt.Errorf("bind unix socket %s: %w", cfg.Path, err)
	}

	if err := secureSocket(cfg); err != nil {
		listener.Close()
		os.Remove(cfg.Path)
		return nil, err
	}
	return listener, nil
}

func secureSocket(cfg SocketConfig) error {
	if err := os.Chmod(cfg.Path, cfg.Mode); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}
	if cfg.Group == "" {
		return nil
	}

	grp, err := user.LookupGroup(cfg.Group)
	if err != nil {
		return fmt.Errorf("lookup socket group %q: %w", cfg.Group, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", grp.Gid, err)
	}
	if err := os.Chown(cfg.Path, os.Geteuid(), gid); err != nil {
		return fmt.Errorf("chown socket to group %q: %w", cfg.Group, err)
	}
	return nil
}

// probeSocket reports whether a live listener answers at path. A refused or
// missing endpoint is stale; any other failure is treated as in-use so a
// socket owned by another process is never unlinked.
func probeSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err == nil {
		conn.Close()
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return false
	}
	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return false
	}
	return true
}
