package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PINHandler owns the PIN-protection lifecycle: setup, verification,
// disable, and the unlock prompts the mediator needs when a request
// requires the decrypted key.
type PINHandler struct {
	mu      sync.Mutex
	waiters map[string]*pinWaiter

	// awaitMu serializes unlock prompts: at most one PIN window is on
	// screen, and callers queued behind it find the cache populated.
	awaitMu sync.Mutex

	profiles *ProfileStore
	cache    *PinCache
	windows  WindowOpener
	metrics  *Metrics
}

type pinWaiter struct {
	windowID string
	result   chan pinResult
}

type pinResult struct {
	pin string
	err error
}

// NewPINHandler creates a PIN handler.
func NewPINHandler(profiles *ProfileStore, cache *PinCache, windows WindowOpener, metrics *Metrics) *PINHandler {
	return &PINHandler{
		waiters:  make(map[string]*pinWaiter),
		profiles: profiles,
		cache:    cache,
		windows:  windows,
		metrics:  metrics,
	}
}

// AwaitPIN returns the cached PIN or prompts the user for one, blocking
// until a verifyPin message resolves the prompt, its window closes, or
// ctx is done. A successfully verified PIN is already cached by the time
// this returns.
func (h *PINHandler) AwaitPIN(ctx context.Context) (string, error) {
	h.awaitMu.Lock()
	defer h.awaitMu.Unlock()

	if pin, ok := h.cache.Get(); ok {
		return pin, nil
	}

	id := uuid.NewString()
	prompt := OpenPrompt{
		ID:     id,
		Params: json.RawMessage(`{"pinEntry":true}`),
	}
	windowID, err := h.windows.Open(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to open PIN prompt: %w", err)
	}

	waiter := &pinWaiter{windowID: windowID, result: make(chan pinResult, 1)}
	h.mu.Lock()
	h.waiters[id] = waiter
	h.mu.Unlock()

	log.Info().Str("id", id).Str("window", windowID).Msg("awaiting PIN entry")

	select {
	case res := <-waiter.result:
		return res.pin, res.err
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.waiters, id)
		h.mu.Unlock()
		if err := h.windows.Close(context.WithoutCancel(ctx), windowID); err != nil {
			log.Warn().Err(err).Str("window", windowID).Msg("failed to close PIN prompt window")
		}
		return "", ctx.Err()
	}
}

// HandleWindowClosed cancels every PIN entry hosted by the closed window.
func (h *PINHandler) HandleWindowClosed(windowID string) {
	h.mu.Lock()
	var cancelled []*pinWaiter
	for id, w := range h.waiters {
		if w.windowID == windowID {
			cancelled = append(cancelled, w)
			delete(h.waiters, id)
		}
	}
	h.mu.Unlock()

	for _, w := range cancelled {
		w.result <- pinResult{err: fmt.Errorf("PIN entry cancelled")}
	}
}

func (h *PINHandler) resolveWaiter(ctx context.Context, id, pin string) {
	h.mu.Lock()
	w, ok := h.waiters[id]
	if ok {
		delete(h.waiters, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	w.result <- pinResult{pin: pin}
	if w.windowID != "" {
		if err := h.windows.Close(ctx, w.windowID); err != nil {
			log.Warn().Err(err).Str("window", w.windowID).Msg("failed to close PIN prompt window")
		}
	}
}

// HandleControl processes a setupPin/verifyPin/disablePin message.
func (h *PINHandler) HandleControl(ctx context.Context, req *PINControlRequest) PINControlResponse {
	switch req.Type {
	case PINControlSetup:
		return h.handleSetup(req)
	case PINControlVerify:
		return h.handleVerify(ctx, req)
	case PINControlDisable:
		return h.handleDisable(req)
	}
	return PINControlResponse{Error: fmt.Sprintf("unknown PIN control type %q", req.Type)}
}

// handleSetup enables PIN protection: the active plaintext key is
// encrypted under the PIN (or a pre-encrypted blob supplied by the UI is
// adopted after verification), the plaintext is dropped, and the flag is
// set. The fresh PIN is cached so the user is not immediately re-asked.
func (h *PINHandler) handleSetup(req *PINControlRequest) PINControlResponse {
	enabled, err := h.profiles.PinProtectionEnabled()
	if err != nil {
		return PINControlResponse{Error: err.Error()}
	}
	if enabled {
		return PINControlResponse{Error: "PIN protection is already enabled"}
	}

	blob := req.EncryptedKey
	if blob != "" {
		if _, err := DecryptKey(req.PIN, blob); err != nil {
			return PINControlResponse{Error: "supplied encrypted key does not decrypt with this PIN"}
		}
	} else {
		plain, _, err := h.profiles.ActiveKeyMaterial()
		if err != nil {
			return PINControlResponse{Error: err.Error()}
		}
		if plain == "" {
			return PINControlResponse{Error: "no private key to protect"}
		}
		blob, err = EncryptKey(req.PIN, plain)
		if err != nil {
			return PINControlResponse{Error: err.Error()}
		}
	}

	if err := h.profiles.SetActiveEncryptedKey(blob); err != nil {
		return PINControlResponse{Error: err.Error()}
	}
	if err := h.profiles.SetPinProtection(true); err != nil {
		return PINControlResponse{Error: err.Error()}
	}
	h.cache.Set(req.PIN)

	log.Info().Msg("PIN protection enabled")
	return PINControlResponse{Success: true}
}

// handleVerify checks a PIN against the stored blob. Success caches the
// PIN and, when the message names a pending unlock prompt, resolves it.
// Failure clears any cached PIN (fail closed).
func (h *PINHandler) handleVerify(ctx context.Context, req *PINControlRequest) PINControlResponse {
	blob := req.EncryptedKey
	if blob == "" {
		_, encrypted, err := h.profiles.ActiveKeyMaterial()
		if err != nil {
			return PINControlResponse{Error: err.Error()}
		}
		blob = encrypted
	}
	if blob == "" {
		return PINControlResponse{Error: "no encrypted key to verify against"}
	}

	if _, err := DecryptKey(req.PIN, blob); err != nil {
		h.cache.Clear()
		h.metrics.PinUnlock("failure")
		log.Warn().Msg("PIN verification failed")
		return PINControlResponse{Error: "incorrect PIN"}
	}

	h.cache.Set(req.PIN)
	h.metrics.PinUnlock("success")
	if req.ID != "" {
		h.resolveWaiter(ctx, req.ID, req.PIN)
	}
	return PINControlResponse{Success: true}
}

// handleDisable turns PIN protection off, restoring the plaintext key.
// The protection flag must drop before the plaintext write, which is
// otherwise a ProtectionViolation.
func (h *PINHandler) handleDisable(req *PINControlRequest) PINControlResponse {
	_, encrypted, err := h.profiles.ActiveKeyMaterial()
	if err != nil {
		return PINControlResponse{Error: err.Error()}
	}
	if encrypted == "" {
		return PINControlResponse{Error: "PIN protection is not enabled"}
	}

	plain, err := DecryptKey(req.PIN, encrypted)
	if err != nil {
		h.cache.Clear()
		return PINControlResponse{Error: "incorrect PIN"}
	}

	if err := h.profiles.SetPinProtection(false); err != nil {
		return PINControlResponse{Error: err.Error()}
	}
	if err := h.profiles.SetActivePrivateKey(plain); err != nil {
		return PINControlResponse{Error: err.Error()}
	}
	h.cache.Clear()

	log.Info().Msg("PIN protection disabled")
	return PINControlResponse{Success: true}
}
