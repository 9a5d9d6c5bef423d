package config

import (
	"testing"
	"time"
)

func TestManagerStartsFromDefaults(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	if *m.Current() != *DefaultConfig() {
		t.Fatal("nil config should start from defaults")
	}
}

func TestManagerRejectsInvalidInitialConfig(t *testing.T) {
	bad := DefaultConfig()
	bad.ThreadPool.MinWorkers = 0
	if _, err := NewManager(bad); err == nil {
		t.Fatal("expected an error for an invalid initial config")
	}
}

func TestManagerUpdateSwapsAndNotifies(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	ch := m.Subscribe()

	next := m.Current()
	next.ThreadPool.MaxWorkers = 32
	if err := m.Update(next, "test"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := m.Current().ThreadPool.MaxWorkers; got != 32 {
		t.Fatalf("update not applied, maxWorkers = %d", got)
	}

	select {
	case ev := <-ch:
		if ev.Source != "test" {
			t.Errorf("event source = %q, want %q", ev.Source, "test")
		}
		if ev.Config.ThreadPool.MaxWorkers != 32 {
			t.Errorf("event carries stale config: %+v", ev.Config.ThreadPool)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event received")
	}
}

func TestManagerKeepsCurrentOnInvalidUpdate(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	ch := m.Subscribe()

	bad := m.Current()
	bad.Hashing.FullAlgorithm = "md5"
	if err := m.Update(bad, "test"); err == nil {
		t.Fatal("expected a validation error")
	}
	if got := m.Current().Hashing.FullAlgorithm; got != "auto" {
		t.Fatalf("rejected update leaked through: %q", got)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for a rejected update: %+v", ev)
	default:
	}
}

func TestManagerCurrentReturnsCopy(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	m.Current().ThreadPool.MaxWorkers = 99
	if got := m.Current().ThreadPool.MaxWorkers; got == 99 {
		t.Fatal("mutating the returned config changed the active one")
	}
}

func TestManagerCloseClosesSubscribers(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ch := m.Subscribe()
	m.Close()
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel should be closed")
	}

	// Subscribing after Close yields an already closed channel.
	if _, ok := <-m.Subscribe(); ok {
		t.Fatal("late subscription should be closed immediately")
	}

	m.Close() // second Close is a no-op
}

func TestManagerDropsEventsForSlowSubscribers(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	ch := m.Subscribe()

	for i := 0; i < 12; i++ {
		next := m.Current()
		next.ThreadPool.MaxWorkers = 16 + i
		if err := m.Update(next, "loop"); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	if got := m.Current().ThreadPool.MaxWorkers; got != 27 {
		t.Fatalf("last update lost, maxWorkers = %d", got)
	}
	if n := len(ch); n != cap(ch) {
		t.Fatalf("expected a full subscriber buffer, len = %d cap = %d", n, cap(ch))
	}
}
