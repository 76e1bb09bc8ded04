package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog/log"
)

// RequestMediator is the single entry point for page requests. It checks
// the permission policy, escalates to the prompt coordinator when the
// host's grant is insufficient, resolves the usable private key (through
// the PIN vault when protection is on), and performs the operation.
type RequestMediator struct {
	profiles *ProfileStore
	prompts  *PromptCoordinator
	pins     *PINHandler
	pinCache *PinCache
	secrets  *SecretCache
	limiter  *HostLimiter
	metrics  *Metrics
}

// NewRequestMediator wires a mediator over its collaborators.
func NewRequestMediator(
	profiles *ProfileStore,
	prompts *PromptCoordinator,
	pins *PINHandler,
	pinCache *PinCache,
	secrets *SecretCache,
	limiter *HostLimiter,
	metrics *Metrics,
) *RequestMediator {
	return &RequestMediator{
		profiles: profiles,
		prompts:  prompts,
		pins:     pins,
		pinCache: pinCache,
		secrets:  secrets,
		limiter:  limiter,
		metrics:  metrics,
	}
}

// Handle executes one page request. Every error it returns is converted
// by the transport into the structured error response; nothing escapes
// as an unhandled failure.
func (m *RequestMediator) Handle(ctx context.Context, req *Request) (any, error) {
	result, err := m.handle(ctx, req)
	if err != nil {
		m.metrics.Request(req.Type, "error")
		return nil, err
	}
	m.metrics.Request(req.Type, "ok")
	return result, nil
}

func (m *RequestMediator) handle(ctx context.Context, req *Request) (any, error) {
	if !m.limiter.Allow(req.Host) {
		log.Warn().Str("host", req.Host).Msg("request rate limited")
		return nil, ErrRateLimited
	}

	required, known := RequiredLevel(req.Type)
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Type)
	}

	current, err := m.profiles.PermissionLevel(req.Host)
	if err != nil {
		return nil, err
	}
	if current < required {
		allowed, err := m.prompts.RequestAuthorization(ctx, req.Host, required, req.Params)
		if err != nil {
			log.Error().Err(err).Str("host", req.Host).Msg("authorization prompt failed")
			return nil, fmt.Errorf("%w: required level %d", ErrInsufficientPermissions, required)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: required level %d", ErrInsufficientPermissions, required)
		}
	}

	privateKey, err := m.activePrivateKey(ctx)
	if err != nil {
		return nil, err
	}

	return m.dispatch(req, privateKey)
}

// activePrivateKey resolves the usable plaintext private key. With PIN
// protection on, the PIN comes from the cache or an unlock prompt and
// the stored blob is decrypted; a decrypt failure clears the cache.
func (m *RequestMediator) activePrivateKey(ctx context.Context) (string, error) {
	enabled, err := m.profiles.PinProtectionEnabled()
	if err != nil {
		return "", err
	}
	plain, encrypted, err := m.profiles.ActiveKeyMaterial()
	if err != nil {
		return "", err
	}

	if !enabled {
		if plain == "" {
			return "", ErrNoPrivateKey
		}
		return plain, nil
	}

	if encrypted == "" {
		if plain != "" {
			// Protection was enabled before this profile's key was ever
			// encrypted; serve the plaintext rather than lock the user out.
			log.Warn().Msg("PIN protection enabled but active key is plaintext")
			return plain, nil
		}
		return "", ErrNoPrivateKey
	}

	pin, err := m.pins.AwaitPIN(ctx)
	if err != nil {
		return "", fmt.Errorf("PIN unlock failed: %w", err)
	}
	key, err := DecryptKey(pin, encrypted)
	if err != nil {
		m.pinCache.Clear()
		return "", ErrDecryption
	}
	return key, nil
}

func (m *RequestMediator) dispatch(req *Request, privateKey string) (any, error) {
	switch req.Type {
	case "getPublicKey":
		return derivePublicKey(privateKey)

	case "getRelays":
		return m.profiles.ActiveRelays()

	case "signEvent":
		return m.signEvent(req.Params, privateKey)

	case "nip04.encrypt":
		var cp CipherParams
		if err := json.Unmarshal(req.Params, &cp); err != nil || cp.Peer == "" {
			return nil, fmt.Errorf("nip04.encrypt requires a peer")
		}
		secret, err := m.sharedSecret(privateKey, cp.Peer)
		if err != nil {
			return nil, err
		}
		return nip04Encrypt(cp.Plaintext, secret)

	case "nip04.decrypt":
		var cp CipherParams
		if err := json.Unmarshal(req.Params, &cp); err != nil || cp.Peer == "" {
			return nil, fmt.Errorf("nip04.decrypt requires a peer")
		}
		secret, err := m.sharedSecret(privateKey, cp.Peer)
		if err != nil {
			return nil, err
		}
		return nip04Decrypt(cp.Ciphertext, secret)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Type)
}

// signEvent finalizes and signs the candidate event. A candidate that
// already names a pubkey other than the active identity is refused: a
// caller must not end up signed under the wrong key just because it
// guessed one.
func (m *RequestMediator) signEvent(params json.RawMessage, privateKey string) (any, error) {
	var sp SignParams
	if err := json.Unmarshal(params, &sp); err != nil || len(sp.Event) == 0 {
		return nil, fmt.Errorf("signEvent requires an event")
	}
	var ev nostr.Event
	if err := json.Unmarshal(sp.Event, &ev); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	pub, err := derivePublicKey(privateKey)
	if err != nil {
		return nil, err
	}
	if ev.PubKey != "" && ev.PubKey != pub {
		return nil, ErrIdentityMismatch
	}

	if err := signEvent(privateKey, &ev); err != nil {
		return nil, err
	}
	if err := validateSignedEvent(&ev); err != nil {
		return nil, fmt.Errorf("signed event failed validation: %w", err)
	}
	return &ev, nil
}

// sharedSecret returns the nip04 shared secret for peer, preferring the
// cache. The cache keys by generation, so a rotated signing key never
// serves a stale secret.
func (m *RequestMediator) sharedSecret(privateKey, peer string) ([]byte, error) {
	if secret, ok := m.secrets.Get(peer); ok {
		return secret, nil
	}
	secret, err := computeSharedSecret(privateKey, peer)
	if err != nil {
		return nil, err
	}
	m.secrets.Put(peer, secret)
	return secret, nil
}
