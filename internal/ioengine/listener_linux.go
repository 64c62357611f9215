//go:build linux

package ioengine

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// backlog matches spec.md §4.5 step 2: "backlog ~5".
const backlog = 5

// listen opens a non-blocking TCP listening socket on ip:port with address
// reuse, per spec.md §4.5 steps 2-3. Returns the raw fd so it can be
// registered directly with epoll — net.Listener's own fd is wrapped by the Go
// runtime's internal netpoller, which would fight a hand-rolled epoll loop
// over the same descriptor.
func listen(ip string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("ioengine: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ioengine: SO_REUSEADDR: %w", err)
	}

	addr, err := resolveIPv4(ip)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ioengine: bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ioengine: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ioengine: set listener non-blocking: %w", err)
	}
	return fd, nil
}

func resolveIPv4(ip string) ([4]byte, error) {
	var out [4]byte
	if ip == "" {
		return out, nil // INADDR_ANY
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return out, fmt.Errorf("ioengine: invalid ip %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return out, fmt.Errorf("ioengine: %q is not an IPv4 address", ip)
	}
	copy(out[:], v4)
	return out, nil
}
