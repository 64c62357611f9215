package health

import (
	"testing"
	"time"

	"github.com/reactorcore/reactorcore/internal/dbpool"
)

var testCfg = Config{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 200 * time.Millisecond,
}

func newTestChecker() *Checker {
	return NewChecker(dbpool.Config{Host: "127.0.0.1", Port: 1, User: "u", Password: "p", DBName: "d"}, nil, testCfg)
}

func TestCheckerInitialState(t *testing.T) {
	c := newTestChecker()

	if !c.IsHealthy() {
		t.Error("unknown status should be treated as healthy")
	}
	if got := c.Snapshot().Status; got != StatusUnknown {
		t.Errorf("Status = %v, want StatusUnknown", got)
	}
}

func TestUpdateStatusHealthy(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(true, nil)
	if !c.IsHealthy() {
		t.Error("should be healthy after a healthy update")
	}
	if got := c.Snapshot().Status; got != StatusHealthy {
		t.Errorf("Status = %v, want StatusHealthy", got)
	}
}

func TestUpdateStatusSingleFailureStaysHealthy(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(false, errProbe("boom"))
	if !c.IsHealthy() {
		t.Error("a single failure shouldn't cross the default threshold of 3")
	}
	if got := c.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestUpdateStatusCrossesThreshold(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(false, errProbe("boom"))
	c.updateStatus(false, errProbe("boom"))
	c.updateStatus(false, errProbe("boom"))

	if c.IsHealthy() {
		t.Error("should be unhealthy after 3 consecutive failures")
	}
	if got := c.Snapshot().Status; got != StatusUnhealthy {
		t.Errorf("Status = %v, want StatusUnhealthy", got)
	}
}

func TestUpdateStatusRecovery(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(false, errProbe("boom"))
	c.updateStatus(false, errProbe("boom"))
	c.updateStatus(false, errProbe("boom"))
	if !c.Snapshot().Status.isUnhealthy() {
		t.Fatal("precondition: should be unhealthy")
	}

	c.updateStatus(true, nil)
	if !c.IsHealthy() {
		t.Error("should be healthy after recovery")
	}
	snap := c.Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after recovery = %d, want 0", snap.ConsecutiveFailures)
	}
	if snap.LastError != "" {
		t.Errorf("LastError after recovery = %q, want empty", snap.LastError)
	}
}

func (s Status) isUnhealthy() bool { return s == StatusUnhealthy }

func TestCheckOnceAgainstClosedPort(t *testing.T) {
	c := newTestChecker()

	// Port 1 is privileged and essentially never has anything listening in
	// a test sandbox, so the probe fails fast via connection refused/timeout.
	c.checkOnce()

	snap := c.Snapshot()
	if snap.Status == StatusHealthy {
		t.Error("expected probe against a closed port to fail")
	}
	if snap.LastError == "" {
		t.Error("expected LastError to be set after a failed probe")
	}
}

func TestDoubleStop(t *testing.T) {
	c := newTestChecker()
	c.Start()

	c.Stop()
	c.Stop() // must not panic
}

func TestClassifyProbeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errProbe("dbpool: dialing 127.0.0.1:1: connection refused"), "connection_refused"},
		{errProbe("dbpool: auth failed: access denied"), "auth_failed"},
		{errProbe("dbpool: server rejected connection"), "auth_failed"},
		{errProbe("dbpool: unexpected auth response byte 0x02 (auth plugin switch unsupported by probe)"), "unsupported_auth_plugin"},
		{errProbe("dbpool: something else entirely"), "probe_error"},
	}
	for _, tt := range tests {
		if got := classifyProbeError(tt.err); got != tt.want {
			t.Errorf("classifyProbeError(%q) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestAddrString(t *testing.T) {
	if got := addrString("db.internal", 3306); got != "db.internal:3306" {
		t.Errorf("addrString = %q, want db.internal:3306", got)
	}
}

type errProbe string

func (e errProbe) Error() string { return string(e) }
