package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testStoreContract exercises the behaviour every Store implementation shares.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("put get delete", func(t *testing.T) {
		if err := s.Put(ctx, "entity:node:1", `{"id":"1"}`, 0); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}

		got, err := s.Get(ctx, "entity:node:1")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got != `{"id":"1"}` {
			t.Errorf("Get() = %q, want %q", got, `{"id":"1"}`)
		}

		exists, err := s.Exists(ctx, "entity:node:1")
		if err != nil || !exists {
			t.Errorf("Exists() = %v, %v, want true, nil", exists, err)
		}

		if err := s.Delete(ctx, "entity:node:1"); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if _, err := s.Get(ctx, "entity:node:1"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, "never-written"); err != nil {
				t.Errorf("Delete() attempt %d failed: %v", i+1, err)
			}
		}
	})

	t.Run("put if absent", func(t *testing.T) {
		stored, err := s.PutIfAbsent(ctx, "site:id", "first")
		if err != nil || !stored {
			t.Fatalf("PutIfAbsent() = %v, %v, want true, nil", stored, err)
		}

		stored, err = s.PutIfAbsent(ctx, "site:id", "second")
		if err != nil || stored {
			t.Fatalf("second PutIfAbsent() = %v, %v, want false, nil", stored, err)
		}

		got, err := s.Get(ctx, "site:id")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if got != "first" {
			t.Errorf("Get() = %q, want first writer to win", got)
		}
	})

	t.Run("lock is exclusive", func(t *testing.T) {
		held, err := s.Lock(ctx, "lock:entity:node:2", time.Second, 10*time.Second)
		if err != nil {
			t.Fatalf("Lock() failed: %v", err)
		}

		_, err = s.Lock(ctx, "lock:entity:node:2", 50*time.Millisecond, 10*time.Second)
		if !errors.Is(err, ErrLockNotAcquired) {
			t.Errorf("competing Lock() error = %v, want ErrLockNotAcquired", err)
		}

		if err := held.Unlock(ctx); err != nil {
			t.Fatalf("Unlock() failed: %v", err)
		}

		again, err := s.Lock(ctx, "lock:entity:node:2", time.Second, 10*time.Second)
		if err != nil {
			t.Fatalf("Lock() after Unlock() failed: %v", err)
		}
		_ = again.Unlock(ctx)
	})

	t.Run("ping and stats", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping() failed: %v", err)
		}
		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats() failed: %v", err)
		}
		if stats.ClusterMembers < 1 {
			t.Errorf("Stats().ClusterMembers = %d, want at least 1", stats.ClusterMembers)
		}
	})
}
