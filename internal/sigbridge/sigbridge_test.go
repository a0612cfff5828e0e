package sigbridge

import (
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sigbridge requires SIGCHLD/wait4, Unix-like only")
	}
}

func TestDrainReapsExitedChild(t *testing.T) {
	requireUnix(t)

	var mu sync.Mutex
	reaped := map[int]syscall.WaitStatus{}
	b := New(func(pid int, ws syscall.WaitStatus) {
		mu.Lock()
		reaped[pid] = ws
		mu.Unlock()
	})
	defer b.Stop()

	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.Drain()
		mu.Lock()
		_, ok := reaped[pid]
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("child pid %d was never reaped via Drain", pid)
}

func TestDrainIsNoopWithoutSigchld(t *testing.T) {
	calls := 0
	b := &Bridge{onReaped: func(int, syscall.WaitStatus) { calls++ }}
	b.Drain()
	if calls != 0 {
		t.Fatalf("expected no reap callbacks when sigchld_count==sigchld_handled, got %d", calls)
	}
}
