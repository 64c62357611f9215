// Package framing implements the byte-stream-to-message-stream converter
// spec.md §4.4 specifies: each message on the wire is a 4-byte little-endian
// unsigned length prefix followed by exactly that many body bytes. The state
// machine here reconstructs complete messages from arbitrarily chopped reads
// — a recv() returning 3 bytes of a 4-byte length prefix, or two whole
// messages in one read, must both be handled without losing or duplicating
// a single byte.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNegativeLength is returned when the high bit of the 4-byte length
// prefix is set. spec.md §4.4 calls the wire field "signed ... per the
// source" but directs implementations to treat it as unsigned and reject
// anything that looks negative, to preempt pathological allocations.
var ErrNegativeLength = errors.New("framing: length prefix has high bit set")

// ErrLengthTooLarge is returned when a decoded length exceeds MaxLength.
type ErrLengthTooLarge struct {
	Length, Max uint32
}

func (e *ErrLengthTooLarge) Error() string {
	return fmt.Sprintf("framing: message length %d exceeds maximum %d", e.Length, e.Max)
}

// DefaultMaxLength is the default protocol-error threshold for a decoded
// message length (16 MiB). spec.md §9 leaves the exact bound to the
// implementer; this is a safety ceiling, not a realistic message size.
const DefaultMaxLength = 16 << 20

// DefaultReadBufSize is the default per-job read buffer. spec.md notes the
// reference implementation used 20 bytes — preserved below only as a
// historical curiosity (MinReadBufSize), not a default: 20 bytes would make
// every multi-message burst pay for dozens of recv() round trips.
const DefaultReadBufSize = 4096

// MinReadBufSize is the small buffer size spec.md's reference implementation
// used. It documents that deliberately slow value only: nothing enforces it,
// NewState accepts any positive size, and learnLength assembles a length
// prefix delivered across reads shorter than 4 bytes.
const MinReadBufSize = 20

// Handler is invoked once per fully reassembled message body. Bodies are
// opaque to the framer — it never parses them (spec.md §4.4).
type Handler func(body []byte) error

// Outcome is what read_all told its caller to do next.
type Outcome int

const (
	// WouldBlock means the socket drained cleanly to EAGAIN; the caller
	// should re-arm the fd and wait for the next readiness event.
	WouldBlock Outcome = iota
	// PeerClosed means recv returned 0: the peer performed an orderly
	// close. The caller should close the connection.
	PeerClosed
	// ReadError means recv failed for a reason other than EAGAIN. The
	// caller should close the connection.
	ReadError
	// ProtocolError means a length prefix violated MaxLength or had its
	// high bit set. The caller should close the connection.
	ProtocolError
)

// State is the per-connection framing state machine. spec.md's Design Notes
// resolve the "framing state lifetime" open question in favor of keeping
// this per-connection (not per-job): a State is created once, when a
// connection is accepted, and reused across every one-shot read dispatch for
// that fd, so a message whose tail arrives after re-arming isn't lost.
//
// Invariant: either len == -1 and body is empty and lenBuf holds 0..3 bytes
// of an incoming prefix, or len >= 0 and body holds 0..len bytes.
type State struct {
	handler Handler
	maxLen  uint32

	readBuf []byte
	body    []byte
	lenBuf  []byte
	len     int64 // -1 means "unknown"
}

// NewState creates a framing state machine bound to handler. readBufSize and
// maxLen fall back to DefaultReadBufSize/DefaultMaxLength when <= 0.
func NewState(handler Handler, readBufSize int, maxLen uint32) *State {
	if readBufSize <= 0 {
		readBufSize = DefaultReadBufSize
	}
	if maxLen == 0 {
		maxLen = DefaultMaxLength
	}
	return &State{
		handler: handler,
		maxLen:  maxLen,
		readBuf: make([]byte, readBufSize),
		len:     -1,
	}
}

// Recver is the non-blocking read primitive read_all drives: a single
// recv(2)-style call that returns (0, nil) on EOF and a would-block error
// satisfying IsWouldBlock on a clean drain. This indirection lets the epoll
// reactor pass a raw-fd recv while tests pass an in-memory fake.
type Recver interface {
	Recv(buf []byte) (n int, err error)
}

// WouldBlocker is implemented by errors that mean "no data right now",
// i.e. EAGAIN/EWOULDBLOCK from a non-blocking socket.
type WouldBlocker interface {
	WouldBlock() bool
}

// IsWouldBlock reports whether err represents EAGAIN/EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	wb, ok := err.(WouldBlocker)
	return ok && wb.WouldBlock()
}

// ReadAll drains every currently-available byte from r, reassembling and
// dispatching as many complete messages as the data contains, matching
// spec.md §4.4's read_all loop exactly:
//
//	repeat: recv into readBuf; EAGAIN -> WouldBlock; other error -> ReadError;
//	0 bytes -> PeerClosed; else ingest(n).
func (s *State) ReadAll(r Recver) Outcome {
	for {
		n, err := r.Recv(s.readBuf)
		if err != nil {
			if IsWouldBlock(err) {
				return WouldBlock
			}
			return ReadError
		}
		if n == 0 {
			return PeerClosed
		}
		if outcome, ok := s.ingest(n); !ok {
			return outcome
		}
	}
}

// ingest processes n freshly-read bytes sitting in s.readBuf[:n]. Returns
// (outcome, false) the moment a protocol error is detected, otherwise
// (_, true) to keep the ReadAll loop going.
func (s *State) ingest(n int) (Outcome, bool) {
	if s.len == -1 {
		if !s.learnLength(n) {
			return ProtocolError, false
		}
	} else {
		s.body = append(s.body, s.readBuf[:n]...)
	}

	for s.len >= 0 && int64(len(s.body)) >= s.len {
		msg := s.body[:s.len]
		if err := s.handler(msg); err != nil {
			// The handler's own errors are its business (spec.md §7:
			// SQLError and friends never propagate into the framer); a
			// non-nil return here is a framer-level contract violation,
			// not part of the spec's error taxonomy, so it's swallowed
			// after being surfaced for visibility via ReadError would be
			// wrong — instead we just stop invoking it for this message
			// and move on, since the framer must never let a handler
			// failure corrupt its own byte accounting.
			_ = err
		}
		cont, protoErr := s.cut()
		if protoErr {
			return ProtocolError, false
		}
		if !cont {
			break
		}
	}
	return 0, true
}

// learnLength assembles the 4-byte length prefix, which may arrive split
// across reads, and primes s.body with whatever body bytes rode along in the
// same recv(). Returns false on a protocol error (high bit set, or over
// maxLen).
func (s *State) learnLength(n int) bool {
	var lenBytes [4]byte
	var bodyStart int

	if len(s.lenBuf) == 0 {
		if n < 4 {
			// Prefix itself is split across reads; stash what we have.
			s.lenBuf = append(s.lenBuf, s.readBuf[:n]...)
			return true
		}
		copy(lenBytes[:], s.readBuf[:4])
		bodyStart = 4
	} else {
		k := 4 - len(s.lenBuf)
		if n < k {
			s.lenBuf = append(s.lenBuf, s.readBuf[:n]...)
			return true
		}
		copy(lenBytes[:], s.lenBuf)
		copy(lenBytes[len(s.lenBuf):], s.readBuf[:k])
		bodyStart = k
		s.lenBuf = s.lenBuf[:0]
	}

	length, ok := s.decodeLength(lenBytes[:])
	if !ok {
		return false
	}
	s.len = length
	s.body = append(s.body, s.readBuf[bodyStart:n]...)
	return true
}

// decodeLength decodes a little-endian 4-byte length prefix, rejecting
// negative-looking (high bit set) or over-maximum values.
func (s *State) decodeLength(b []byte) (int64, bool) {
	raw := binary.LittleEndian.Uint32(b)
	if raw&0x8000_0000 != 0 {
		return 0, false
	}
	if raw > s.maxLen {
		return 0, false
	}
	return int64(raw), true
}

// cut rebases the state past the just-completed message: if at least 4
// leftover bytes follow it, they're the next message's length prefix
// (possibly with its own body trailing); otherwise whatever's left (0..3
// bytes) becomes a partial length prefix to complete on the next read.
//
// Returns (continueLoop, protocolErr). continueLoop is true only when a new
// length was decoded and the caller's ingest loop should check it against
// the (now rebased) body again immediately. protocolErr is true when the
// embedded next-message prefix itself violates MaxLength/sign — a distinct
// case from simply not having a full prefix yet.
func (s *State) cut() (continueLoop, protocolErr bool) {
	rest := s.body[s.len:]
	diff := len(rest)

	if diff >= 4 {
		length, ok := s.decodeLength(rest[:4])
		s.body = append([]byte(nil), rest[4:]...)
		if !ok {
			s.len = -1
			return false, true
		}
		s.len = length
		return true, false
	}

	if diff > 0 {
		s.lenBuf = append([]byte(nil), rest...)
	} else {
		s.lenBuf = s.lenBuf[:0]
	}
	s.body = s.body[:0]
	s.len = -1
	return false, false
}

// EncodeLength writes n as a 4-byte little-endian prefix. Used by the
// Request/Response surface to frame outgoing replies.
func EncodeLength(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}
