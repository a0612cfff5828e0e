package nanny

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("nanny spawns /bin/sh children, Unix-like only")
	}
}

func runUntil(t *testing.T, s *Supervisor, deadline time.Duration, done func() bool) {
	t.Helper()
	start := time.Now()
	for time.Since(start) < deadline {
		s.loop.RunOnce()
		if done() {
			return
		}
	}
	t.Fatalf("condition never became true within %v", deadline)
}

func TestSupervisorAddChildSpawnsAndReportsStatus(t *testing.T) {
	requireUnix(t)
	s := New()
	c := s.AddChild(Spec{StartCmd: "sleep 5", Restartable: true})

	runUntil(t, s, 2*time.Second, func() bool { return c.Status().PID != 0 })
	st := c.Status()
	if st.PID == 0 {
		t.Fatalf("expected nonzero pid after spawn")
	}
	_ = syscall.Kill(st.PID, syscall.SIGKILL)
}

func TestSupervisorHTTPHandlerServesStatus(t *testing.T) {
	requireUnix(t)
	s := New()
	s.AddChild(Spec{StartCmd: "true"})

	srv := httptest.NewServer(s.HTTPHandler(""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestChildByIDReturnsNilForUnknown(t *testing.T) {
	s := New()
	if s.ChildByID(999) != nil {
		t.Fatalf("expected nil for unregistered id")
	}
}
