package config

import (
	"fmt"
	"strconv"
	"strings"
)

// UnixSocketPath is where the server binds when listen_endpoint selects a
// Unix socket.
const UnixSocketPath = "/run/tek-s3.sock"

// Endpoint is a parsed listen_endpoint value.
type Endpoint struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is "host:port" for tcp, the socket path for unix.
	Address string
	// SocketUser and SocketGroup own the unix socket.
	SocketUser  string
	SocketGroup string
}

// ParseEndpoint parses a listen_endpoint value: "<host>:<port>" with the
// port in [1, 65535] (the split is on the last ':', brackets around an
// IPv6 host are accepted and stripped), or "unix:<user>:<group>" which
// binds /run/tek-s3.sock owned by the named user and group.
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		s = DefaultListenEndpoint
	}

	if rest, ok := strings.CutPrefix(s, "unix:"); ok {
		user, group, ok := strings.Cut(rest, ":")
		if !ok || user == "" || group == "" {
			return Endpoint{}, fmt.Errorf("invalid listen_endpoint %q: want unix:<user>:<group>", s)
		}
		return Endpoint{
			Network:     "unix",
			Address:     UnixSocketPath,
			SocketUser:  user,
			SocketGroup: group,
		}, nil
	}

	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Endpoint{}, fmt.Errorf("invalid listen_endpoint %q: ':' not found", s)
	}
	host, portStr := s[:i], s[i+1:]
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid listen_endpoint %q: empty host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid listen_endpoint %q: invalid port number", s)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid listen_endpoint %q: port number must be in range [1, 65535]", s)
	}

	addr := host + ":" + portStr
	if strings.ContainsRune(host, ':') {
		addr = "[" + host + "]:" + portStr
	}
	return Endpoint{Network: "tcp", Address: addr}, nil
}
