//go:build linux

package ioengine

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/reactorcore/internal/framing"
	"github.com/reactorcore/reactorcore/internal/protocol"
	"github.com/reactorcore/reactorcore/internal/workerpool"
)

// maxEvents bounds a single epoll_wait batch.
const maxEvents = 256

// Handler is the business logic invoked once per reassembled message.
// respond sends body back to the same connection, framed with its own
// length prefix; it may be called zero or one times per invocation.
type Handler func(body []byte, respond func(body []byte) error)

// Config configures a Server.
type Config struct {
	IP               string
	Port             int
	ReadBufferSize   int // 0 -> framing.DefaultReadBufSize
	MaxMessageLength uint32
	Pool             *workerpool.Pool
	Handler          Handler
}

// Server is the epoll-driven reactor spec.md §4.5 describes: one reactor
// goroutine owns the readiness loop and the connection/fd bookkeeping; every
// read, frame reassembly, handler invocation, and response write happens on
// a worker pool goroutine (spec.md §5's scheduling model).
type Server struct {
	cfg Config
	ep  *epoll
	reg *protocol.WriteRegistry

	listenFD int

	mu    sync.Mutex
	conns map[int]*framing.State

	stop chan struct{}
}

// NewServer creates a Server bound to cfg.Pool (already started by the
// caller) and cfg.Handler. Call Run to start accepting connections; Run
// blocks until Stop is called or a fatal reactor error occurs.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("ioengine: Config.Pool is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("ioengine: Config.Handler is required")
	}

	ep, err := newEpoll()
	if err != nil {
		return nil, err
	}

	listenFD, err := listen(cfg.IP, cfg.Port)
	if err != nil {
		ep.close()
		return nil, err
	}
	if err := ep.addListener(listenFD); err != nil {
		ep.close()
		unix.Close(listenFD)
		return nil, fmt.Errorf("ioengine: registering listener: %w", err)
	}

	return &Server{
		cfg:      cfg,
		ep:       ep,
		reg:      protocol.NewWriteRegistry(),
		listenFD: listenFD,
		conns:    make(map[int]*framing.State),
		stop:     make(chan struct{}),
	}, nil
}

// Run drives the readiness loop until Stop is called. Matches spec.md §4.5's
// dispatch loop exactly: wait_for_events with no timeout, then for each ready
// fd either drain the accept backlog or submit a read job.
func (s *Server) Run() error {
	var events [maxEvents]unix.EpollEvent
	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		fds, err := s.ep.wait(events[:])
		if err != nil {
			return err
		}
		for _, fd := range fds {
			if fd == s.listenFD {
				s.acceptAll()
			} else {
				s.dispatchRead(fd)
			}
		}
	}
}

// Stop ends Run's loop and releases the listener. In-flight reads are not
// interrupted (spec.md §5: "shutdown relies on either natural completion or
// process exit").
func (s *Server) Stop() {
	close(s.stop)
	s.ep.remove(s.listenFD)
	unix.Close(s.listenFD)
	s.ep.close()
}

// acceptAll drains the accept backlog until EAGAIN (spec.md §4.5: "accept as
// many connections as possible").
func (s *Server) acceptAll() {
	for {
		connFD, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			slog.Warn("ioengine: accept failed", "err", err)
			return
		}
		s.onAccept(connFD)
	}
}

func (s *Server) onAccept(fd int) {
	s.reg.Register(fd, fdWriter(fd))

	state := framing.NewState(func(body []byte) error {
		s.cfg.Handler(body, func(out []byte) error {
			return s.reg.Response(fd).Send(out)
		})
		return nil
	}, s.cfg.ReadBufferSize, s.cfg.MaxMessageLength)

	s.mu.Lock()
	s.conns[fd] = state
	s.mu.Unlock()

	if err := s.ep.addClient(fd); err != nil {
		slog.Warn("ioengine: registering client fd failed", "fd", fd, "err", err)
		s.closeConn(fd)
	}
}

// dispatchRead submits a read job to the worker pool. If the pool rejects it
// under admission control, the fd is re-armed immediately rather than
// closed — spec.md §9's documented limitation: the readiness event is
// consumed either way, but the connection itself stays open and will be
// retried on its next readiness edge.
func (s *Server) dispatchRead(fd int) {
	s.mu.Lock()
	state, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return // closed between the epoll_wait return and this dispatch
	}

	submitted, err := s.cfg.Pool.AddTask(func() {
		outcome := state.ReadAll(fdReader(fd))
		switch outcome {
		case framing.WouldBlock:
			if err := s.ep.rearm(fd); err != nil {
				slog.Warn("ioengine: rearm failed", "fd", fd, "err", err)
				s.closeConn(fd)
			}
		case framing.PeerClosed, framing.ReadError, framing.ProtocolError:
			s.closeConn(fd)
		}
	}, -1)

	if err != nil || !submitted {
		if err := s.ep.rearm(fd); err != nil {
			s.closeConn(fd)
		}
	}
}

func (s *Server) closeConn(fd int) {
	s.mu.Lock()
	_, ok := s.conns[fd]
	delete(s.conns, fd)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.ep.remove(fd)
	s.reg.Deregister(fd)
	unix.Close(fd)
}

// fdReader adapts a raw fd to framing.Recver, translating EAGAIN into the
// would-block sentinel framing.IsWouldBlock recognizes.
type fdReader int

func (f fdReader) Recv(buf []byte) (int, error) {
	n, err := unix.Read(int(f), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, wouldBlockErr{}
		}
		return 0, err
	}
	return n, nil
}

type wouldBlockErr struct{}

func (wouldBlockErr) Error() string    { return "ioengine: would block" }
func (wouldBlockErr) WouldBlock() bool { return true }

// fdWriter adapts a raw fd to io.Writer for protocol.WriteRegistry. A
// non-blocking socket can return EAGAIN on Write under backpressure; this
// spins rather than implementing full write-readiness tracking, which
// spec.md explicitly places out of scope ("write backpressure beyond kernel
// send buffers" is a Non-goal).
type fdWriter int

func (f fdWriter) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(f), p)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return n, err
		}
		return n, nil
	}
}
