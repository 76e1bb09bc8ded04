package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/nostrium/custodian/custodian/storage"
)

// NATS subjects. Pages and the prompt UI talk to the daemon over these;
// the custodian.ui.* subjects are served by the UI shell hosting the
// prompt windows.
const (
	subjectRequest        = "custodian.request"
	subjectPromptDecision = "custodian.prompt.decision"
	subjectPromptClosed   = "custodian.prompt.closed"
	subjectPromptList     = "custodian.prompt.list"
	subjectPromptQueue    = "custodian.prompt.queue"
	subjectPINControl     = "custodian.pin"

	subjectUIOpenPrompt  = "custodian.ui.openPrompt"
	subjectUIFocusWindow = "custodian.ui.focusWindow"
	subjectUICloseWindow = "custodian.ui.closeWindow"
)

// ConnectNATS establishes the daemon's NATS connection.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("nostr-custodian"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// windowRef names a prompt window in UI messages.
type windowRef struct {
	WindowID string `json:"windowId"`
}

// NATSWindowOpener drives prompt windows through the UI shell's
// custodian.ui.* subjects.
type NATSWindowOpener struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSWindowOpener creates a window opener over the given connection.
func NewNATSWindowOpener(conn *nats.Conn) *NATSWindowOpener {
	return &NATSWindowOpener{conn: conn, timeout: 10 * time.Second}
}

// Open asks the UI shell to show a prompt window and returns the id of
// the window that hosts it.
func (o *NATSWindowOpener) Open(ctx context.Context, prompt OpenPrompt) (string, error) {
	payload, err := json.Marshal(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	msg, err := o.conn.RequestWithContext(ctx, subjectUIOpenPrompt, payload)
	if err != nil {
		return "", fmt.Errorf("UI shell did not open prompt window: %w", err)
	}
	var ref windowRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.WindowID == "" {
		return "", fmt.Errorf("UI shell returned no window id")
	}
	return ref.WindowID, nil
}

func (o *NATSWindowOpener) Focus(ctx context.Context, windowID string) error {
	payload, err := json.Marshal(windowRef{WindowID: windowID})
	if err != nil {
		return err
	}
	return o.conn.Publish(subjectUIFocusWindow, payload)
}

func (o *NATSWindowOpener) Close(ctx context.Context, windowID string) error {
	payload, err := json.Marshal(windowRef{WindowID: windowID})
	if err != nil {
		return err
	}
	return o.conn.Publish(subjectUICloseWindow, payload)
}

// Transport wires the daemon's handlers to their NATS subjects.
type Transport struct {
	conn     *nats.Conn
	mediator *RequestMediator
	prompts  *PromptCoordinator
	pins     *PINHandler
	store    *storage.Store

	subs    []*nats.Subscription
	unwatch func()
}

// NewTransport creates the subject router.
func NewTransport(conn *nats.Conn, mediator *RequestMediator, prompts *PromptCoordinator, pins *PINHandler, store *storage.Store) *Transport {
	return &Transport{
		conn:     conn,
		mediator: mediator,
		prompts:  prompts,
		pins:     pins,
		store:    store,
	}
}

// Start subscribes to all subjects and begins publishing open-prompt
// queue changes. Handlers run in their own goroutines because a page
// request can block on a prompt for as long as the user deliberates.
func (t *Transport) Start(ctx context.Context) error {
	routes := []struct {
		subject string
		handler func(context.Context, *nats.Msg)
	}{
		{subjectRequest, t.handleRequest},
		{subjectPromptDecision, t.handleDecision},
		{subjectPromptClosed, t.handleWindowClosed},
		{subjectPromptList, t.handlePromptList},
		{subjectPINControl, t.handlePINControl},
	}
	for _, r := range routes {
		handler := r.handler
		sub, err := t.conn.Subscribe(r.subject, func(msg *nats.Msg) {
			go handler(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
		}
		t.subs = append(t.subs, sub)
		log.Debug().Str("subject", r.subject).Msg("Subscribed to NATS")
	}

	// Broadcast queue changes so the prompt UI's list view stays live
	// without polling. The watch callback runs on the storage writer's
	// goroutine, so it only publishes.
	t.unwatch = t.store.Watch(keyOpenPrompts, func(value []byte) {
		t.publishQueue(value)
	})

	return nil
}

// Stop unsubscribes and drains the connection.
func (t *Transport) Stop() {
	if t.unwatch != nil {
		t.unwatch()
	}
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	if err := t.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("failed to drain NATS connection")
	}
}

func (t *Transport) publishQueue(value []byte) {
	var queue []OpenPrompt
	if len(value) > 0 {
		if err := cbor.Unmarshal(value, &queue); err != nil {
			log.Error().Err(err).Msg("failed to decode open-prompt queue for broadcast")
			return
		}
	}
	if queue == nil {
		queue = []OpenPrompt{}
	}
	payload, err := json.Marshal(queue)
	if err != nil {
		return
	}
	if err := t.conn.Publish(subjectPromptQueue, payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish open-prompt queue")
	}
}

// respond replies to msg, logging rather than failing when the caller
// did not ask for a reply.
func (t *Transport) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to encode response")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to respond")
	}
}

// errorPayload shapes an error for the page. Expected custodian errors
// travel as a bare message; anything else also carries a stack so an
// unexpected failure is diagnosable from the caller's side.
func errorPayload(err error) ErrorResponse {
	res := ErrorResult{Message: err.Error()}
	if !knownError(err) {
		res.Stack = string(debug.Stack())
	}
	return ErrorResponse{Error: res}
}

func (t *Transport) handleRequest(ctx context.Context, msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.respond(msg, errorPayload(fmt.Errorf("malformed request: %w", err)))
		return
	}
	if err := req.Validate(); err != nil {
		t.respond(msg, errorPayload(err))
		return
	}

	result, err := t.mediator.Handle(ctx, &req)
	if err != nil {
		log.Info().Err(err).Str("type", req.Type).Str("host", req.Host).Msg("request denied")
		t.respond(msg, errorPayload(err))
		return
	}
	t.respond(msg, result)
}

func (t *Transport) handleDecision(ctx context.Context, msg *nats.Msg) {
	var dec PromptDecision
	if err := json.Unmarshal(msg.Data, &dec); err != nil {
		t.respond(msg, errorPayload(fmt.Errorf("malformed decision: %w", err)))
		return
	}
	if err := dec.Validate(); err != nil {
		t.respond(msg, errorPayload(err))
		return
	}
	if err := t.prompts.HandleDecision(ctx, &dec); err != nil {
		t.respond(msg, errorPayload(err))
		return
	}
	t.respond(msg, map[string]bool{"ok": true})
}

func (t *Transport) handleWindowClosed(ctx context.Context, msg *nats.Msg) {
	var notice WindowClosedNotice
	if err := json.Unmarshal(msg.Data, &notice); err != nil || notice.WindowID == "" {
		log.Warn().Msg("malformed window-closed notice ignored")
		return
	}
	t.prompts.HandleWindowClosed(ctx, notice.WindowID)
	t.pins.HandleWindowClosed(notice.WindowID)
}

func (t *Transport) handlePromptList(ctx context.Context, msg *nats.Msg) {
	queue, err := t.prompts.OpenPrompts()
	if err != nil {
		t.respond(msg, errorPayload(err))
		return
	}
	if queue == nil {
		queue = []OpenPrompt{}
	}
	t.respond(msg, queue)
}

func (t *Transport) handlePINControl(ctx context.Context, msg *nats.Msg) {
	var req PINControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.respond(msg, PINControlResponse{Error: "malformed PIN control message"})
		return
	}
	if err := req.Validate(); err != nil {
		t.respond(msg, PINControlResponse{Error: err.Error()})
		return
	}
	t.respond(msg, t.pins.HandleControl(ctx, &req))
}
