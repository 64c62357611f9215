//go:build linux

// Package ioengine implements the epoll-based reactor spec.md §4.5
// describes: an edge-triggered readiness loop with per-fd one-shot arming,
// dispatching reads to the worker pool and leaving all body reading, framing,
// and response writing to worker goroutines. Grounded on
// joeycumines-go-utilpkg/eventloop/poller_linux.go's FastPoller, trimmed to
// the subset spec.md's reactor actually needs (no read/write event
// distinction, no direct-indexed fd array) and given one-shot re-arming,
// which that poller doesn't implement.
package ioengine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epoll wraps a single epoll instance.
type epoll struct {
	fd int
}

func newEpoll() (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioengine: epoll_create1: %w", err)
	}
	return &epoll{fd: fd}, nil
}

// addListener registers fd edge-triggered, without one-shot: spec.md §4.5
// step 3, "the listener stays armed forever".
func (e *epoll) addListener(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// addClient registers fd edge-triggered and one-shot.
func (e *epoll) addClient(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// rearm re-enables fd for one more edge-triggered, one-shot read event.
// unix.EPOLL_CTL_MOD is required, not ADD, once one-shot has fired.
func (e *epoll) rearm(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (e *epoll) remove(fd int) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one fd is ready (spec.md §4.5: "wait_for_events
// with no timeout") and returns their fds.
func (e *epoll) wait(buf []unix.EpollEvent) ([]int, error) {
	n, err := unix.EpollWait(e.fd, buf, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("ioengine: epoll_wait: %w", err)
	}
	fds := make([]int, n)
	for i := 0; i < n; i++ {
		fds[i] = int(buf[i].Fd)
	}
	return fds, nil
}

func (e *epoll) close() error {
	return unix.Close(e.fd)
}
