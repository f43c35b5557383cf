package config

import "testing"

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want Endpoint
	}{
		{"127.0.0.1:8080", Endpoint{Network: "tcp", Address: "127.0.0.1:8080"}},
		{"0.0.0.0:80", Endpoint{Network: "tcp", Address: "0.0.0.0:80"}},
		{"::1:8080", Endpoint{Network: "tcp", Address: "[::1]:8080"}},
		{"[::1]:8080", Endpoint{Network: "tcp", Address: "[::1]:8080"}},
		{"[2001:db8::1]:443", Endpoint{Network: "tcp", Address: "[2001:db8::1]:443"}},
		{"unix:tek-s3:steam", Endpoint{
			Network:     "unix",
			Address:     UnixSocketPath,
			SocketUser:  "tek-s3",
			SocketGroup: "steam",
		}},
		{"", Endpoint{Network: "tcp", Address: "127.0.0.1:8080"}},
	}
	for _, tt := range tests {
		got, err := ParseEndpoint(tt.in)
		if err != nil {
			t.Errorf("ParseEndpoint(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEndpoint(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseEndpointErrors(t *testing.T) {
	tests := []string{
		"no-port",
		"localhost:0",
		"localhost:65536",
		"localhost:http",
		":8080",
		"unix:",
		"unix:only-user",
		"unix:user:",
	}
	for _, in := range tests {
		if _, err := ParseEndpoint(in); err == nil {
			t.Errorf("ParseEndpoint(%q): expected error", in)
		}
	}
}
