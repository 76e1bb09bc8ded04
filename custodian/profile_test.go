package main

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func TestFirstProfileBecomesActive(t *testing.T) {
	profiles := NewProfileStore(newTestStore(t))

	sk := nostr.GeneratePrivateKey()
	pub, err := profiles.AddProfile("", &Profile{PrivateKey: sk})
	if err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}

	active, err := profiles.ActivePublicKey()
	if err != nil {
		t.Fatalf("ActivePublicKey failed: %v", err)
	}
	if active != pub {
		t.Errorf("sole profile should be active: got %q, want %q", active, pub)
	}
}

func TestAddProfileRejectsMismatchedKey(t *testing.T) {
	profiles := NewProfileStore(newTestStore(t))

	sk := nostr.GeneratePrivateKey()
	otherPub, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	if _, err := profiles.AddProfile(otherPub, &Profile{PrivateKey: sk}); err == nil {
		t.Error("expected mismatched pubkey to be rejected")
	}
}

func TestAddProfileRejectsDuplicate(t *testing.T) {
	profiles, sk, pub := newTestIdentity(t)
	if _, err := profiles.AddProfile(pub, &Profile{PrivateKey: sk}); err == nil {
		t.Error("expected duplicate profile to be rejected")
	}
}

func TestAddProfileRejectsBothKeyFormats(t *testing.T) {
	profiles := NewProfileStore(newTestStore(t))
	p := &Profile{PrivateKey: nostr.GeneratePrivateKey(), EncryptedKey: `{"salt":"","iv":"","ciphertext":""}`}
	if _, err := profiles.AddProfile("", p); err == nil {
		t.Error("expected profile with both key formats to be rejected")
	}
}

func TestDeleteActiveReElects(t *testing.T) {
	profiles := NewProfileStore(newTestStore(t))

	var pubs []string
	for i := 0; i < 3; i++ {
		pub, err := profiles.AddProfile("", &Profile{PrivateKey: nostr.GeneratePrivateKey()})
		if err != nil {
			t.Fatalf("AddProfile failed: %v", err)
		}
		pubs = append(pubs, pub)
	}

	// Make the last-added profile active, then delete it.
	victim := pubs[2]
	if err := profiles.SetActivePublicKey(victim); err != nil {
		t.Fatalf("SetActivePublicKey failed: %v", err)
	}
	if err := profiles.DeleteProfile(victim); err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}

	remaining := []string{pubs[0], pubs[1]}
	sort.Strings(remaining)

	active, _ := profiles.ActivePublicKey()
	if active != remaining[0] {
		t.Errorf("expected first remaining profile %q to be active, got %q", remaining[0], active)
	}
}

func TestDeleteLastProfileClearsActive(t *testing.T) {
	profiles, _, pub := newTestIdentity(t)
	if err := profiles.DeleteProfile(pub); err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	active, _ := profiles.ActivePublicKey()
	if active != "" {
		t.Errorf("expected no active profile, got %q", active)
	}
}

func TestDeleteNonActiveKeepsPointer(t *testing.T) {
	profiles, _, pub := newTestIdentity(t)
	other, err := profiles.AddProfile("", &Profile{PrivateKey: nostr.GeneratePrivateKey()})
	if err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}

	if err := profiles.DeleteProfile(other); err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	active, _ := profiles.ActivePublicKey()
	if active != pub {
		t.Errorf("active pointer moved: got %q, want %q", active, pub)
	}
}

func TestProtectionViolation(t *testing.T) {
	profiles, _, _ := newTestIdentity(t)
	if err := profiles.SetPinProtection(true); err != nil {
		t.Fatalf("SetPinProtection failed: %v", err)
	}

	if err := profiles.SetActivePrivateKey(nostr.GeneratePrivateKey()); !errors.Is(err, ErrProtectionViolation) {
		t.Errorf("expected ErrProtectionViolation, got %v", err)
	}
	if _, err := profiles.AddProfile("", &Profile{PrivateKey: nostr.GeneratePrivateKey()}); !errors.Is(err, ErrProtectionViolation) {
		t.Errorf("expected ErrProtectionViolation on AddProfile, got %v", err)
	}
}

func TestKeyRotationPreservesProfileData(t *testing.T) {
	profiles, _, oldPub := newTestIdentity(t)

	relays := map[string]RelayPolicy{"wss://relay.example.com": {Read: true, Write: true}}
	if err := profiles.SetActiveRelays(relays); err != nil {
		t.Fatalf("SetActiveRelays failed: %v", err)
	}
	if err := profiles.AddActivePermission("example.com", ConditionForever, 10); err != nil {
		t.Fatalf("AddActivePermission failed: %v", err)
	}

	fired := 0
	profiles.OnKeyChange(func() { fired++ })

	newSK := nostr.GeneratePrivateKey()
	if err := profiles.SetActivePrivateKey(newSK); err != nil {
		t.Fatalf("SetActivePrivateKey failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("expected 1 key-change notification, got %d", fired)
	}

	newPub, _ := nostr.GetPublicKey(newSK)
	active, _ := profiles.ActivePublicKey()
	if active != newPub {
		t.Errorf("active pointer did not follow rotation: got %q, want %q", active, newPub)
	}

	all, err := profiles.Profiles()
	if err != nil {
		t.Fatalf("Profiles failed: %v", err)
	}
	if _, ok := all[oldPub]; ok {
		t.Error("old profile record survived rotation")
	}
	rotated := all[newPub]
	if rotated == nil {
		t.Fatal("rotated profile missing")
	}
	if len(rotated.Relays) != 1 || len(rotated.Permissions) != 1 {
		t.Errorf("rotation dropped relays or permissions: %+v", rotated)
	}
}

func TestSwitchingProfilesFiresKeyChange(t *testing.T) {
	profiles, _, pub := newTestIdentity(t)
	other, err := profiles.AddProfile("", &Profile{PrivateKey: nostr.GeneratePrivateKey()})
	if err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}

	fired := 0
	profiles.OnKeyChange(func() { fired++ })

	if err := profiles.SetActivePublicKey(other); err != nil {
		t.Fatalf("SetActivePublicKey failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("expected 1 notification on switch, got %d", fired)
	}

	// Re-selecting the current profile is a no-op.
	if err := profiles.SetActivePublicKey(other); err != nil {
		t.Fatalf("SetActivePublicKey failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("no-op switch fired a notification")
	}
	_ = pub
}

func TestExpiredGrantsPurgedOnRead(t *testing.T) {
	profiles, _, pub := newTestIdentity(t)

	// Plant one expired and one live grant directly.
	all, _ := profiles.Profiles()
	p := all[pub]
	p.Permissions = map[string]PermissionGrant{
		"stale.example.com": {Condition: ConditionExpirable5m, Level: 10, CreatedAt: time.Now().Add(-time.Hour).Unix()},
		"live.example.com":  {Condition: ConditionExpirable1h, Level: 10, CreatedAt: time.Now().Unix()},
	}
	if err := profiles.UpdateProfile(pub, p); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	grants, err := profiles.ActivePermissions()
	if err != nil {
		t.Fatalf("ActivePermissions failed: %v", err)
	}
	if _, ok := grants["stale.example.com"]; ok {
		t.Error("expired grant survived the read")
	}
	if _, ok := grants["live.example.com"]; !ok {
		t.Error("live grant was purged")
	}

	// The purge persisted: the raw record no longer holds the grant.
	all, _ = profiles.Profiles()
	if _, ok := all[pub].Permissions["stale.example.com"]; ok {
		t.Error("purge was not persisted")
	}
}

func TestPermissionLevel(t *testing.T) {
	profiles, _, _ := newTestIdentity(t)

	level, err := profiles.PermissionLevel("example.com")
	if err != nil || level != 0 {
		t.Errorf("expected level 0 for ungranted host, got %d, %v", level, err)
	}

	if err := profiles.AddActivePermission("example.com", ConditionForever, 10); err != nil {
		t.Fatalf("AddActivePermission failed: %v", err)
	}
	level, _ = profiles.PermissionLevel("example.com")
	if level != 10 {
		t.Errorf("expected level 10, got %d", level)
	}

	if err := profiles.RemoveActivePermission("example.com"); err != nil {
		t.Fatalf("RemoveActivePermission failed: %v", err)
	}
	level, _ = profiles.PermissionLevel("example.com")
	if level != 0 {
		t.Errorf("expected level 0 after revocation, got %d", level)
	}
}

func TestSetActiveRelaysValidation(t *testing.T) {
	profiles, _, _ := newTestIdentity(t)

	err := profiles.SetActiveRelays(map[string]RelayPolicy{"http://not-a-relay": {Read: true}})
	if err == nil {
		t.Error("expected non-wss relay URL to be rejected")
	}

	if err := profiles.SetActiveRelays(map[string]RelayPolicy{"wss://relay.example.com": {Read: true}}); err != nil {
		t.Fatalf("SetActiveRelays failed: %v", err)
	}
	relays, _ := profiles.ActiveRelays()
	if len(relays) != 1 {
		t.Errorf("expected 1 relay, got %d", len(relays))
	}
}

func TestActiveRelaysNeverNil(t *testing.T) {
	profiles := NewProfileStore(newTestStore(t))
	relays, err := profiles.ActiveRelays()
	if err != nil {
		t.Fatalf("ActiveRelays failed: %v", err)
	}
	if relays == nil {
		t.Error("expected empty map, got nil")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	profiles, sk, pub := newTestIdentity(t)

	data, err := profiles.ExportProfile(pub)
	if err != nil {
		t.Fatalf("ExportProfile failed: %v", err)
	}

	fresh := NewProfileStore(newTestStore(t))
	imported, err := fresh.ImportProfile(data)
	if err != nil {
		t.Fatalf("ImportProfile failed: %v", err)
	}
	if imported != pub {
		t.Errorf("imported pubkey %q, want %q", imported, pub)
	}

	all, _ := fresh.Profiles()
	if all[pub].PrivateKey != sk {
		t.Error("imported profile lost its key material")
	}
}
