package ephemeral

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreConsumeIfEqualIsSingleUse(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	ok, err := m.ConsumeIfEqual(ctx, "k", []byte("v"))
	if err != nil || !ok {
		t.Fatalf("expected first consume to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = m.ConsumeIfEqual(ctx, "k", []byte("v"))
	if err != nil || ok {
		t.Fatalf("expected second consume to fail, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreConsumeIfEqualRejectsMismatch(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v1"), time.Minute)

	ok, err := m.ConsumeIfEqual(ctx, "k", []byte("v2"))
	if err != nil || ok {
		t.Fatalf("expected mismatch to fail consume, got ok=%v err=%v", ok, err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatal("expected key to survive a failed consume attempt")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected expired key to be not found, got %v", err)
	}
}

func TestMemoryStoreIncr(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	defer m.Close()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Fatalf("expected counter %d, got %d", i, n)
		}
	}
}
