package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/k64z/tek-s3/config"
)

// Listen binds the configured endpoint. A unix endpoint replaces any
// stale socket file and hands it to the named user and group with mode
// 0660.
func Listen(endpoint config.Endpoint) (net.Listener, error) {
	if endpoint.Network != "unix" {
		ln, err := net.Listen(endpoint.Network, endpoint.Address)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", endpoint.Address, err)
		}
		return ln, nil
	}

	if err := os.Remove(endpoint.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", endpoint.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint.Address, err)
	}

	if err := ownSocket(endpoint); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func ownSocket(endpoint config.Endpoint) error {
	u, err := user.Lookup(endpoint.SocketUser)
	if err != nil {
		return fmt.Errorf("look up socket user: %w", err)
	}
	g, err := user.LookupGroup(endpoint.SocketGroup)
	if err != nil {
		return fmt.Errorf("look up socket group: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	if err := os.Chown(endpoint.Address, uid, gid); err != nil {
		return fmt.Errorf("chown socket: %w", err)
	}
	if err := os.Chmod(endpoint.Address, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}
	return nil
}
