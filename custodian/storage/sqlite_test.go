package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Get("missing"); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	if err := s.Put("k", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("expected v1, got %q", got)
	}

	// Overwrite
	if err := s.Put("k", []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ = s.Get("k")
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("expected v2, got %q", got)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get("k"); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}

	// Deleting a missing key is not an error
	if err := s.Delete("k"); err != nil {
		t.Errorf("deleting missing key failed: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Put("durable", []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get("durable")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("expected payload, got %q", got)
	}
}

func TestWatch(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var events [][]byte
	cancel := s.Watch("watched", func(value []byte) {
		events = append(events, value)
	})

	s.Put("watched", []byte("a"))
	s.Put("other", []byte("ignored"))
	s.Put("watched", []byte("b"))
	s.Delete("watched")
	// Deleting again must not notify: nothing changed.
	s.Delete("watched")

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if !bytes.Equal(events[0], []byte("a")) || !bytes.Equal(events[1], []byte("b")) {
		t.Errorf("unexpected event values: %q, %q", events[0], events[1])
	}
	if events[2] != nil {
		t.Errorf("expected nil value on delete, got %q", events[2])
	}

	cancel()
	s.Put("watched", []byte("c"))
	if len(events) != 3 {
		t.Errorf("watcher fired after cancel")
	}
}
