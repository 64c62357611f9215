package dbpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func fakeConns(n int) []*Conn {
	conns := make([]*Conn, n)
	for i := range conns {
		conns[i] = &Conn{}
	}
	return conns
}

func TestCheckOutCheckInFIFO(t *testing.T) {
	p := newPool(Config{}, fakeConns(3))

	c1, err := p.CheckOut(context.Background())
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	c2, err := p.CheckOut(context.Background())
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if c1 == c2 {
		t.Fatal("CheckOut returned the same connection twice")
	}

	stats := p.Stats()
	if stats.Idle != 1 || stats.Leased != 2 || stats.Total != 3 {
		t.Fatalf("stats = %+v, want idle=1 leased=2 total=3", stats)
	}

	p.CheckIn(c1)
	p.CheckIn(c2)

	stats = p.Stats()
	if stats.Idle != 3 || stats.Leased != 0 {
		t.Fatalf("stats after check-in = %+v, want idle=3 leased=0", stats)
	}
}

// TestInvariantIdlePlusLeasedEqualsTotal exercises spec.md §8's DB pool
// property under concurrent load: at every quiescent moment,
// |checked_out| + |idle| == pool_size.
func TestInvariantIdlePlusLeasedEqualsTotal(t *testing.T) {
	const size = 4
	p := newPool(Config{}, fakeConns(size))

	var wg sync.WaitGroup
	const workers = 8
	const iterations = 50

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c, err := p.CheckOut(context.Background())
				if err != nil {
					t.Errorf("CheckOut: %v", err)
					return
				}
				stats := p.Stats()
				if stats.Idle+stats.Leased != size {
					t.Errorf("idle(%d)+leased(%d) != size(%d)", stats.Idle, stats.Leased, size)
				}
				p.CheckIn(c)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.Idle != size || stats.Leased != 0 {
		t.Fatalf("final stats = %+v, want idle=%d leased=0", stats, size)
	}
}

func TestCheckOutBlocksWhenExhausted(t *testing.T) {
	p := newPool(Config{}, fakeConns(1))

	c, err := p.CheckOut(context.Background())
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}

	acquired := make(chan *Conn, 1)
	go func() {
		got, err := p.CheckOut(context.Background())
		if err != nil {
			t.Errorf("second CheckOut: %v", err)
			return
		}
		acquired <- got
	}()

	select {
	case <-acquired:
		t.Fatal("CheckOut should have blocked with the pool exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.CheckIn(c)

	select {
	case got := <-acquired:
		if got != c {
			t.Fatal("second CheckOut should have received the just-returned connection")
		}
	case <-time.After(time.Second):
		t.Fatal("CheckOut should have unblocked after CheckIn")
	}
}

func TestCheckOutTimeout(t *testing.T) {
	p := newPool(Config{CheckOutTimeout: 30 * time.Millisecond}, fakeConns(1))
	if _, err := p.CheckOut(context.Background()); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}

	start := time.Now()
	_, err := p.CheckOut(context.Background())
	if err == nil {
		t.Fatal("expected a timeout error with the pool exhausted")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestCheckOutContextCancellation(t *testing.T) {
	p := newPool(Config{}, fakeConns(1))
	if _, err := p.CheckOut(context.Background()); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.CheckOut(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CheckOut should have returned once its context was canceled")
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	p := newPool(Config{}, fakeConns(1))
	if _, err := p.CheckOut(context.Background()); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.CheckOut(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close should have unblocked the waiting CheckOut")
	}
}

func TestReloadCredentialsDetectsChange(t *testing.T) {
	p := newPool(Config{}, fakeConns(1))

	cfg := Config{Host: "db.internal", Port: 3306, User: "app", Password: "first"}
	if changed := p.ReloadCredentials(cfg); !changed {
		t.Fatal("first ReloadCredentials call should report a change")
	}
	if changed := p.ReloadCredentials(cfg); changed {
		t.Fatal("ReloadCredentials with an unchanged password should report no change")
	}

	cfg.Password = "second"
	if changed := p.ReloadCredentials(cfg); !changed {
		t.Fatal("ReloadCredentials should detect a password change")
	}
}
