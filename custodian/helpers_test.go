package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrium/custodian/custodian/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open("")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestIdentity creates a profile store with one active plaintext key
// and returns the store plus the key pair.
func newTestIdentity(t *testing.T) (*ProfileStore, string, string) {
	t.Helper()
	profiles := NewProfileStore(newTestStore(t))
	sk := nostr.GeneratePrivateKey()
	pub, err := profiles.AddProfile("", &Profile{Name: "test", PrivateKey: sk})
	if err != nil {
		t.Fatalf("failed to add test profile: %v", err)
	}
	return profiles, sk, pub
}

// fakeWindows is an in-memory WindowOpener. Each Open mints a new window
// id and optionally invokes onOpen so tests can script the UI side.
type fakeWindows struct {
	mu      sync.Mutex
	opened  []OpenPrompt
	focused []string
	closed  []string
	nextID  int

	onOpen func(windowID string, prompt OpenPrompt)
}

func (f *fakeWindows) Open(ctx context.Context, prompt OpenPrompt) (string, error) {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("win-%d", f.nextID)
	f.opened = append(f.opened, prompt)
	onOpen := f.onOpen
	f.mu.Unlock()

	if onOpen != nil {
		go onOpen(id, prompt)
	}
	return id, nil
}

func (f *fakeWindows) Focus(ctx context.Context, windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, windowID)
	return nil
}

func (f *fakeWindows) Close(ctx context.Context, windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, windowID)
	return nil
}

func (f *fakeWindows) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeWindows) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
