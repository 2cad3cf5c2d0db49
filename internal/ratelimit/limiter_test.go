package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	path := filepath.Join(t.TempDir(), "limits.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open bolt db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := NewLimiter(db, time.Minute)
	if err != nil {
		t.Fatalf("NewLimiter() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return l
}

func TestAllowUnderCap(t *testing.T) {
	l := setupTestLimiter(t)

	for i := 0; i < 5; i++ {
		if res := l.Allow("campanha-1", 5); !res.Allowed {
			t.Fatalf("Allow() denied at send %d of 5", i+1)
		}
	}
}

func TestAllowDeniesAtCap(t *testing.T) {
	l := setupTestLimiter(t)

	for i := 0; i < 3; i++ {
		l.Allow("campanha-1", 3)
	}

	res := l.Allow("campanha-1", 3)
	if res.Allowed {
		t.Fatal("Allow() permitted send over the hourly cap")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
		t.Errorf("RetryAfter = %v, want within (0, 1h]", res.RetryAfter)
	}
}

func TestAllowZeroCapUnlimited(t *testing.T) {
	l := setupTestLimiter(t)

	for i := 0; i < 100; i++ {
		if res := l.Allow("campanha-1", 0); !res.Allowed {
			t.Fatal("cap of 0 must mean unlimited")
		}
	}
}

func TestAllowIndependentKeys(t *testing.T) {
	l := setupTestLimiter(t)

	l.Allow("campanha-1", 1)
	if res := l.Allow("campanha-1", 1); res.Allowed {
		t.Error("campanha-1 should be capped")
	}
	if res := l.Allow("campanha-2", 1); !res.Allowed {
		t.Error("campanha-2 must not share campanha-1's counter")
	}
}

func TestCountersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.db")

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open bolt db: %v", err)
	}
	l, err := NewLimiter(db, time.Minute)
	if err != nil {
		t.Fatalf("NewLimiter() error: %v", err)
	}

	l.Allow("campanha-1", 2)
	l.Allow("campanha-1", 2)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	db.Close()

	db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to reopen bolt db: %v", err)
	}
	defer db.Close()

	l2, err := NewLimiter(db, time.Minute)
	if err != nil {
		t.Fatalf("NewLimiter() reopen error: %v", err)
	}
	defer l2.Close()

	if res := l2.Allow("campanha-1", 2); res.Allowed {
		t.Error("counter lost across reopen: cap not enforced")
	}
}
