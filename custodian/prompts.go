package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nostrium/custodian/custodian/storage"
)

// OpenPrompt is the durable record of an outstanding authorization
// request. The queue of these records mirrors the in-memory pending map
// so a prompt UI that reloads can reconstruct everything it should show.
type OpenPrompt struct {
	ID        string          `json:"id"`
	WindowID  string          `json:"windowId,omitempty"`
	Host      string          `json:"host"`
	Level     int             `json:"level"`
	Params    json.RawMessage `json:"params,omitempty"`
	KindName  string          `json:"kindName,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// WindowOpener is the UI context that hosts prompt windows. The NATS
// implementation lives in transport.go; tests use a fake.
type WindowOpener interface {
	Open(ctx context.Context, prompt OpenPrompt) (windowID string, err error)
	Focus(ctx context.Context, windowID string) error
	Close(ctx context.Context, windowID string) error
}

type promptOutcome struct {
	allowed bool
	err     error
}

type pendingPrompt struct {
	windowID string
	host     string
	level    int
	outcome  chan promptOutcome
}

// PromptCoordinator tracks in-flight authorization prompts. The pending
// map is the single source of truth for who is waiting on what; the
// durable open-prompt queue mirrors it for UI reconstruction. Decisions
// referencing unknown ids are logged and ignored, never errors.
type PromptCoordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt

	// windowMu serializes the open-or-reuse decision so two concurrent
	// requests cannot both conclude no window exists and open two.
	windowMu sync.Mutex

	windows  WindowOpener
	profiles *ProfileStore
	store    *storage.Store
	metrics  *Metrics
}

// NewPromptCoordinator creates a coordinator over the given UI port and
// stores.
func NewPromptCoordinator(windows WindowOpener, profiles *ProfileStore, store *storage.Store, metrics *Metrics) *PromptCoordinator {
	return &PromptCoordinator{
		pending:  make(map[string]*pendingPrompt),
		windows:  windows,
		profiles: profiles,
		store:    store,
		metrics:  metrics,
	}
}

// --- Durable queue ---

func (c *PromptCoordinator) readQueue() ([]OpenPrompt, error) {
	raw, err := c.store.Get(keyOpenPrompts)
	if err == storage.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var queue []OpenPrompt
	if err := cbor.Unmarshal(raw, &queue); err != nil {
		return nil, fmt.Errorf("failed to decode open-prompt queue: %w", err)
	}
	return queue, nil
}

func (c *PromptCoordinator) writeQueue(queue []OpenPrompt) error {
	if len(queue) == 0 {
		return c.store.Delete(keyOpenPrompts)
	}
	raw, err := cbor.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to encode open-prompt queue: %w", err)
	}
	return c.store.Put(keyOpenPrompts, raw)
}

func (c *PromptCoordinator) appendQueue(p OpenPrompt) error {
	queue, err := c.readQueue()
	if err != nil {
		return err
	}
	return c.writeQueue(append(queue, p))
}

// removeQueue drops id from the durable queue and returns how many
// prompts remain hosted by windowID.
func (c *PromptCoordinator) removeQueue(id, windowID string) (int, error) {
	queue, err := c.readQueue()
	if err != nil {
		return 0, err
	}
	kept := queue[:0]
	remaining := 0
	for _, p := range queue {
		if p.ID == id {
			continue
		}
		kept = append(kept, p)
		if windowID != "" && p.WindowID == windowID {
			remaining++
		}
	}
	if err := c.writeQueue(kept); err != nil {
		return 0, err
	}
	return remaining, nil
}

// OpenPrompts returns the durable queue in arrival order, for the prompt
// UI's list view.
func (c *PromptCoordinator) OpenPrompts() ([]OpenPrompt, error) {
	return c.readQueue()
}

// --- Authorization flow ---

// RequestAuthorization opens (or reuses) a prompt window asking host for
// the given level and blocks until the user decides, the hosting window
// closes, or ctx is done. It returns whether the operation was allowed.
func (c *PromptCoordinator) RequestAuthorization(ctx context.Context, host string, level int, params json.RawMessage) (bool, error) {
	prompt := OpenPrompt{
		ID:        uuid.NewString(),
		Host:      host,
		Level:     level,
		Params:    params,
		KindName:  promptKindName(params),
		CreatedAt: time.Now().Unix(),
	}

	entry := &pendingPrompt{
		host:    host,
		level:   level,
		outcome: make(chan promptOutcome, 1),
	}

	// Serialize window reuse: many sites asking at once share one window
	// instead of spawning one each.
	c.windowMu.Lock()
	windowID := c.anyOpenWindow()
	if windowID != "" {
		if err := c.windows.Focus(ctx, windowID); err != nil {
			log.Warn().Err(err).Str("window", windowID).Msg("failed to focus prompt window")
		}
	} else {
		opened, err := c.windows.Open(ctx, prompt)
		if err != nil {
			c.windowMu.Unlock()
			return false, fmt.Errorf("failed to open prompt window: %w", err)
		}
		windowID = opened
	}
	prompt.WindowID = windowID
	entry.windowID = windowID

	c.mu.Lock()
	c.pending[prompt.ID] = entry
	c.mu.Unlock()

	if err := c.appendQueue(prompt); err != nil {
		c.mu.Lock()
		delete(c.pending, prompt.ID)
		c.mu.Unlock()
		c.windowMu.Unlock()
		return false, err
	}
	c.windowMu.Unlock()

	c.metrics.PromptOpened()
	log.Info().
		Str("id", prompt.ID).
		Str("host", host).
		Int("level", level).
		Str("window", windowID).
		Msg("authorization prompt pending")

	select {
	case out := <-entry.outcome:
		return out.allowed, out.err
	case <-ctx.Done():
		// The caller gave up; abandon our claim but leave the prompt on
		// screen for the user to dismiss.
		c.mu.Lock()
		delete(c.pending, prompt.ID)
		c.mu.Unlock()
		return false, ctx.Err()
	}
}

// anyOpenWindow returns a window id currently hosting prompts, if any.
func (c *PromptCoordinator) anyOpenWindow() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.pending {
		if entry.windowID != "" {
			return entry.windowID
		}
	}
	return ""
}

// HandleDecision applies a user decision to the pending prompt it names.
// Unknown ids are ignored. Any failure while persisting the grant or
// maintaining the queue rejects the original caller instead of leaving
// it hanging.
func (c *PromptCoordinator) HandleDecision(ctx context.Context, dec *PromptDecision) error {
	c.mu.Lock()
	entry, ok := c.pending[dec.ID]
	if !ok {
		c.mu.Unlock()
		log.Warn().Str("id", dec.ID).Msg("decision for unknown prompt id ignored")
		return nil
	}
	delete(c.pending, dec.ID)
	c.mu.Unlock()

	c.metrics.DecisionRecorded(string(dec.Condition))

	var failure error
	allowed := dec.Condition.Grants()

	if dec.Condition.Persistent() {
		host := ""
		if dec.Host != nil {
			host = *dec.Host
		}
		switch {
		case host == "":
			log.Warn().Str("id", dec.ID).Msg("persistent decision without a host; nothing granted")
		case dec.Level <= 0:
			// A persistent condition without a level grants nothing
			// durable; the operation is still allowed this once.
			log.Warn().
				Str("id", dec.ID).
				Str("host", host).
				Msg("persistent decision without a level; treating as one-time authorization")
		default:
			if err := c.profiles.AddActivePermission(host, dec.Condition, dec.Level); err != nil {
				failure = fmt.Errorf("failed to persist grant: %w", err)
			}
		}
	}

	remaining, err := c.removeQueue(dec.ID, entry.windowID)
	if err != nil {
		if failure == nil {
			failure = err
		}
	} else if remaining == 0 && entry.windowID != "" {
		if err := c.windows.Close(ctx, entry.windowID); err != nil {
			log.Warn().Err(err).Str("window", entry.windowID).Msg("failed to close prompt window")
		}
	}

	if failure != nil {
		entry.outcome <- promptOutcome{err: failure}
		return failure
	}
	entry.outcome <- promptOutcome{allowed: allowed}
	return nil
}

// HandleWindowClosed treats the closing of a prompt window as a reject
// for every prompt it hosted. Prompts are resolved sequentially to keep
// queue writes ordered; no window close is issued since the window is
// already gone.
func (c *PromptCoordinator) HandleWindowClosed(ctx context.Context, windowID string) {
	c.mu.Lock()
	type closing struct {
		id    string
		entry *pendingPrompt
	}
	var affected []closing
	for id, entry := range c.pending {
		if entry.windowID == windowID {
			affected = append(affected, closing{id, entry})
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, cl := range affected {
		if _, err := c.removeQueue(cl.id, ""); err != nil {
			log.Error().Err(err).Str("id", cl.id).Msg("failed to drop prompt from durable queue")
		}
		cl.entry.outcome <- promptOutcome{allowed: false}
		c.metrics.DecisionRecorded(string(ConditionReject))
	}

	// Queue records whose caller already abandoned them (context cancel)
	// have no pending entry but still reference this window; sweep them.
	if queue, err := c.readQueue(); err == nil {
		kept := queue[:0]
		for _, p := range queue {
			if p.WindowID != windowID {
				kept = append(kept, p)
			}
		}
		if len(kept) != len(queue) {
			if err := c.writeQueue(kept); err != nil {
				log.Error().Err(err).Str("window", windowID).Msg("failed to sweep durable queue")
			}
		}
	}

	if len(affected) > 0 {
		log.Info().Str("window", windowID).Int("prompts", len(affected)).Msg("window closed; pending prompts rejected")
	}
}

// promptKindName extracts a display name for the event kind when the
// request carries a signable event.
func promptKindName(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var sp struct {
		Event struct {
			Kind int `json:"kind"`
		} `json:"event"`
	}
	if err := json.Unmarshal(params, &sp); err != nil {
		return ""
	}
	return KindName(sp.Event.Kind)
}
