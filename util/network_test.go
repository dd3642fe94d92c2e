package util

import (
	"net"
	"testing"
)

func TestFormatAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"1.2.3.4", 22, "1.2.3.4:22"},
		{"::1", 443, "[::1]:443"},
		{"bastion", 0, "bastion:0"},
	}
	for _, tt := range tests {
		if got := FormatAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("FormatAddr(%q,%d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"127.0.0.1:80", "127.0.0.1", 80, false},
		{"[::1]:443", "::1", 443, false},
		{"noport", "", 0, true},
		{"h:99999", "", 0, true},
		{"h:abc", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitAddr(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("SplitAddr(%q) = %q,%d", tt.in, host, port)
		}
	}
}

func TestAddrPort(t *testing.T) {
	host, port := AddrPort(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222})
	if host != "10.0.0.1" || port != 2222 {
		t.Errorf("got %q,%d", host, port)
	}
	if host, port := AddrPort(nil); host != "" || port != 0 {
		t.Errorf("nil addr: got %q,%d", host, port)
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port < 1 || port > 65535 {
		t.Errorf("port %d out of range", port)
	}
}
