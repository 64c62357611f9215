//go:build linux

package ioengine

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/reactorcore/reactorcore/internal/workerpool"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startTestServer(t *testing.T, handler Handler) (*Server, int) {
	t.Helper()
	port := freePort(t)

	pool := workerpool.New(workerpool.Config{ThreadNum: 4, Overload: true})
	pool.Start()

	srv, err := NewServer(Config{
		IP:               "127.0.0.1",
		Port:             port,
		MaxMessageLength: 1 << 16,
		Pool:             pool,
		Handler:          handler,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	go srv.Run()
	t.Cleanup(func() {
		srv.Stop()
		pool.Terminate(false)
	})

	// Give the reactor goroutine a moment to start its epoll_wait.
	time.Sleep(20 * time.Millisecond)
	return srv, port
}

func writeFrame(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	prefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(prefix, uint32(len(body)))
	if _, err := conn.Write(append(prefix, body...)); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("reading length prefix: %v", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("reading body: %v", err)
		}
	}
	return body
}

func TestEchoRoundTrip(t *testing.T) {
	echo := func(body []byte, respond func([]byte) error) {
		if err := respond(body); err != nil {
			t.Errorf("respond: %v", err)
		}
	}
	_, port := startTestServer(t, echo)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeFrame(t, conn, []byte("hello reactor"))
	got := readFrame(t, conn)
	if string(got) != "hello reactor" {
		t.Fatalf("got %q, want %q", got, "hello reactor")
	}
}

func TestMultipleMessagesSameConnectionInOrder(t *testing.T) {
	echo := func(body []byte, respond func([]byte) error) {
		respond(body)
	}
	_, port := startTestServer(t, echo)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	const n = 20
	for i := 0; i < n; i++ {
		writeFrame(t, conn, []byte(fmt.Sprintf("msg-%d", i)))
	}
	for i := 0; i < n; i++ {
		got := readFrame(t, conn)
		want := fmt.Sprintf("msg-%d", i)
		if string(got) != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestConcurrentConnectionsIndependentlyServed(t *testing.T) {
	echo := func(body []byte, respond func([]byte) error) {
		respond(body)
	}
	_, port := startTestServer(t, echo)

	const clients = 10
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				t.Errorf("client %d dial: %v", i, err)
				return
			}
			defer conn.Close()

			msg := fmt.Sprintf("client-%d", i)
			writeFrame(t, conn, []byte(msg))
			got := readFrame(t, conn)
			if string(got) != msg {
				t.Errorf("client %d: got %q, want %q", i, got, msg)
			}
		}()
	}
	wg.Wait()
}

func TestPeerCloseDoesNotWedgeServer(t *testing.T) {
	echo := func(body []byte, respond func([]byte) error) {
		respond(body)
	}
	_, port := startTestServer(t, echo)

	conn1, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn1.Close() // abrupt close before any message

	conn2, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()

	writeFrame(t, conn2, []byte("still alive"))
	got := readFrame(t, conn2)
	if string(got) != "still alive" {
		t.Fatalf("got %q, want %q", got, "still alive")
	}
}
