package envvars

import (
	"strconv"
	"testing"
	"time"
)

func TestLookupChildPIDRequiresPositive(t *testing.T) {
	if _, ok := Lookup("CHILD_PID", Values{}); ok {
		t.Fatalf("expected CHILD_PID unresolved when ChildPID is 0")
	}
	v := Values{ChildPID: 42}
	got, ok := Lookup("CHILD_PID", v)
	if !ok || got != "42" {
		t.Fatalf("expected CHILD_PID=42, got %q ok=%v", got, ok)
	}
	got, ok = Lookup("PID", v)
	if !ok || got != "42" {
		t.Fatalf("expected PID alias to resolve like CHILD_PID, got %q ok=%v", got, ok)
	}
}

func TestLookupUnknownKeyFalse(t *testing.T) {
	if _, ok := Lookup("NOT_A_REAL_VAR", Values{}); ok {
		t.Fatalf("expected unknown key to report ok=false")
	}
}

func TestLookupTimeUsesSuppliedNow(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got, ok := Lookup("TIME", Values{Now: ts})
	if !ok || got != strconv.FormatInt(ts.Unix(), 10) {
		t.Fatalf("expected TIME=%d, got %q", ts.Unix(), got)
	}
	iso, ok := Lookup("ISOTIME", Values{Now: ts})
	if !ok || iso != "2026-03-04T05:06:07Z" {
		t.Fatalf("unexpected ISOTIME: %q", iso)
	}
}

func TestBuildSpawnEnvOverridesWinOverWellKnown(t *testing.T) {
	env := BuildSpawnEnv(Values{ChildPID: 7}, map[string]string{"PID": "999"})
	found := false
	for _, kv := range env {
		if kv == "PID=999" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected override PID=999 to win, got %v", env)
	}
}

func TestBuildSpawnEnvFreshEachCall(t *testing.T) {
	first := BuildSpawnEnv(Values{ChildPID: 1}, nil)
	second := BuildSpawnEnv(Values{ChildPID: 2}, nil)
	for _, kv := range second {
		if kv == "PID=1" || kv == "CHILD_PID=1" {
			t.Fatalf("stale PID from previous spawn leaked into new env: %v", second)
		}
	}
	_ = first
}
