package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message categories are discriminated by subject, and each carries its
// own typed shape validated here before dispatch. Nothing downstream ever
// sniffs ad hoc fields.

// Request is a content-script/page operation request.
type Request struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
	Host   string          `json:"host"`
}

// Validate checks the boundary invariants of a page request.
func (r *Request) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("request type is required")
	}
	if r.Host == "" {
		return fmt.Errorf("request host is required")
	}
	return nil
}

// SignParams carries the candidate event for signEvent.
type SignParams struct {
	Event json.RawMessage `json:"event"`
}

// CipherParams carries the peer and payload for nip04 operations.
type CipherParams struct {
	Peer       string `json:"peer"`
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

// ErrorResult is the structured error body of an operation response.
type ErrorResult struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ErrorResponse wraps an ErrorResult the way page contexts expect it.
type ErrorResponse struct {
	Error ErrorResult `json:"error"`
}

// AuthorizationCondition is the user's answer to a permission prompt.
type AuthorizationCondition string

const (
	ConditionReject      AuthorizationCondition = "no"
	ConditionForever     AuthorizationCondition = "forever"
	ConditionSingle      AuthorizationCondition = "single"
	ConditionExpirable5m AuthorizationCondition = "expirable_5m"
	ConditionExpirable1h AuthorizationCondition = "expirable_1h"
	ConditionExpirable8h AuthorizationCondition = "expirable_8h"
)

// Valid reports whether c is one of the enumerated conditions.
func (c AuthorizationCondition) Valid() bool {
	switch c {
	case ConditionReject, ConditionForever, ConditionSingle,
		ConditionExpirable5m, ConditionExpirable1h, ConditionExpirable8h:
		return true
	}
	return false
}

// Grants reports whether c authorizes the pending operation.
func (c AuthorizationCondition) Grants() bool {
	return c.Valid() && c != ConditionReject
}

// Persistent reports whether c should be written back as a grant.
func (c AuthorizationCondition) Persistent() bool {
	switch c {
	case ConditionForever, ConditionExpirable5m, ConditionExpirable1h, ConditionExpirable8h:
		return true
	}
	return false
}

// TTL returns the lifetime of an expirable condition.
func (c AuthorizationCondition) TTL() (time.Duration, bool) {
	switch c {
	case ConditionExpirable5m:
		return 5 * time.Minute, true
	case ConditionExpirable1h:
		return time.Hour, true
	case ConditionExpirable8h:
		return 8 * time.Hour, true
	}
	return 0, false
}

// PromptDecision is the message a prompt window sends when the user
// answers an authorization request.
type PromptDecision struct {
	Prompt    bool                   `json:"prompt"`
	ID        string                 `json:"id"`
	Host      *string                `json:"host"`
	Level     int                    `json:"level,omitempty"`
	Condition AuthorizationCondition `json:"condition"`
}

// Validate checks the boundary invariants of a decision message.
func (d *PromptDecision) Validate() error {
	if !d.Prompt {
		return fmt.Errorf("not a prompt decision")
	}
	if d.ID == "" {
		return fmt.Errorf("decision id is required")
	}
	if !d.Condition.Valid() {
		return fmt.Errorf("unknown authorization condition %q", d.Condition)
	}
	return nil
}

// WindowClosedNotice reports that a prompt-hosting window is gone.
type WindowClosedNotice struct {
	WindowID string `json:"windowId"`
}

// PIN control message types.
const (
	PINControlSetup   = "setupPin"
	PINControlVerify  = "verifyPin"
	PINControlDisable = "disablePin"
)

// PINControlRequest is a PIN setup/verify/disable request from a trusted
// UI context.
type PINControlRequest struct {
	Type         string `json:"type"`
	PIN          string `json:"pin,omitempty"`
	EncryptedKey string `json:"encryptedKey,omitempty"`
	ID           string `json:"id,omitempty"`
}

// Validate checks the boundary invariants of a PIN control message.
func (r *PINControlRequest) Validate() error {
	switch r.Type {
	case PINControlSetup, PINControlVerify, PINControlDisable:
	default:
		return fmt.Errorf("unknown PIN control type %q", r.Type)
	}
	if r.PIN == "" {
		return fmt.Errorf("pin is required")
	}
	return nil
}

// PINControlResponse is the reply to a PIN control message.
type PINControlResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
