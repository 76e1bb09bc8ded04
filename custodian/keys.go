package main

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// Thin wrapper over go-nostr: derive, sign, shared-secret. Everything
// else in the daemon treats these as opaque primitives.

// derivePublicKey derives the hex public key from a hex private key.
func derivePublicKey(privateKey string) (string, error) {
	pub, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return pub, nil
}

// signEvent finalizes ev in place: fills in pubkey and id, then signs.
func signEvent(privateKey string, ev *nostr.Event) error {
	if err := ev.Sign(privateKey); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}

// validateSignedEvent checks the structural integrity of a just-signed
// event before it is handed back to the page.
func validateSignedEvent(ev *nostr.Event) error {
	if ev.ID != ev.GetID() {
		return errors.New("event id does not match its contents")
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("signature check failed: %w", err)
	}
	if !ok {
		return errors.New("invalid event signature")
	}
	return nil
}

// computeSharedSecret derives the nip04 shared secret between our private
// key and a peer's public key.
func computeSharedSecret(privateKey, peer string) ([]byte, error) {
	secret, err := nip04.ComputeSharedSecret(peer, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return secret, nil
}

func nip04Encrypt(plaintext string, secret []byte) (string, error) {
	return nip04.Encrypt(plaintext, secret)
}

func nip04Decrypt(ciphertext string, secret []byte) (string, error) {
	return nip04.Decrypt(ciphertext, secret)
}

// isHexKey reports whether s looks like 64 hex characters, the storage
// format for nostr keys.
func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
