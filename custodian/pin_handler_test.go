package main

import (
	"context"
	"testing"
	"time"
)

func newTestPINHandler(t *testing.T) (*PINHandler, *ProfileStore, *PinCache, *fakeWindows, string) {
	t.Helper()
	store := newTestStore(t)
	profiles := NewProfileStore(store)
	sk := "0000000000000000000000000000000000000000000000000000000000000001"
	if _, err := profiles.AddProfile("", &Profile{PrivateKey: sk}); err != nil {
		t.Fatalf("failed to add test profile: %v", err)
	}
	cache := NewPinCache(time.Minute)
	windows := &fakeWindows{}
	return NewPINHandler(profiles, cache, windows, nil), profiles, cache, windows, sk
}

func TestSetupEncryptsActiveKey(t *testing.T) {
	pins, profiles, cache, _, sk := newTestPINHandler(t)

	res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlSetup, PIN: "1234"})
	if !res.Success {
		t.Fatalf("setup failed: %s", res.Error)
	}

	enabled, _ := profiles.PinProtectionEnabled()
	if !enabled {
		t.Error("protection flag not set")
	}
	plain, encrypted, err := profiles.ActiveKeyMaterial()
	if err != nil {
		t.Fatalf("ActiveKeyMaterial failed: %v", err)
	}
	if plain != "" {
		t.Error("plaintext key survived setup")
	}
	got, err := DecryptKey("1234", encrypted)
	if err != nil || got != sk {
		t.Errorf("stored blob does not decrypt to the original key: %v", err)
	}
	if !cache.Cached() {
		t.Error("fresh PIN was not cached after setup")
	}
}

func TestSetupTwiceFails(t *testing.T) {
	pins, _, _, _, _ := newTestPINHandler(t)

	if res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlSetup, PIN: "1234"}); !res.Success {
		t.Fatalf("first setup failed: %s", res.Error)
	}
	if res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlSetup, PIN: "5678"}); res.Success {
		t.Error("second setup should fail while protection is enabled")
	}
}

func TestSetupWithoutKey(t *testing.T) {
	store := newTestStore(t)
	pins := NewPINHandler(NewProfileStore(store), NewPinCache(time.Minute), &fakeWindows{}, nil)

	if res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlSetup, PIN: "1234"}); res.Success {
		t.Error("setup should fail with no key to protect")
	}
}

func TestVerifyWrongPinClearsCache(t *testing.T) {
	pins, _, cache, _, _ := newTestPINHandler(t)
	pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlSetup, PIN: "1234"})

	res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlVerify, PIN: "9999"})
	if res.Success {
		t.Error("wrong PIN verified")
	}
	if cache.Cached() {
		t.Error("cache not cleared after failed verification")
	}

	res = pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlVerify, PIN: "1234"})
	if !res.Success {
		t.Errorf("correct PIN rejected: %s", res.Error)
	}
	if !cache.Cached() {
		t.Error("correct PIN was not cached")
	}
}

func TestDisableRestoresPlaintext(t *testing.T) {
	pins, profiles, cache, _, sk := newTestPINHandler(t)
	pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlSetup, PIN: "1234"})

	if res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlDisable, PIN: "9999"}); res.Success {
		t.Fatal("disable with wrong PIN succeeded")
	}

	res := pins.HandleControl(context.Background(), &PINControlRequest{Type: PINControlDisable, PIN: "1234"})
	if !res.Success {
		t.Fatalf("disable failed: %s", res.Error)
	}

	enabled, _ := profiles.PinProtectionEnabled()
	if enabled {
		t.Error("protection flag still set")
	}
	plain, encrypted, _ := profiles.ActiveKeyMaterial()
	if plain != sk || encrypted != "" {
		t.Errorf("key material not restored: plain=%q encrypted=%q", plain, encrypted)
	}
	if cache.Cached() {
		t.Error("PIN still cached after disable")
	}
}

func TestAwaitPINCancelledByWindowClose(t *testing.T) {
	pins, _, _, windows, _ := newTestPINHandler(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := pins.AwaitPIN(context.Background())
		errCh <- err
	}()

	waitFor(t, func() bool { return windows.openCount() == 1 }, "PIN window to open")

	// The waiter registers just after the window opens; keep notifying
	// until it hears us.
	deadline := time.After(2 * time.Second)
	for {
		pins.HandleWindowClosed("win-1")
		select {
		case err := <-errCh:
			if err == nil {
				t.Fatal("expected an error from a cancelled PIN entry")
			}
			return
		case <-deadline:
			t.Fatal("AwaitPIN did not return after window close")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAwaitPINUsesCache(t *testing.T) {
	pins, _, cache, windows, _ := newTestPINHandler(t)
	cache.Set("1234")

	pin, err := pins.AwaitPIN(context.Background())
	if err != nil || pin != "1234" {
		t.Fatalf("expected cached PIN, got %q, %v", pin, err)
	}
	if windows.openCount() != 0 {
		t.Error("cached PIN should not open a prompt window")
	}
}
