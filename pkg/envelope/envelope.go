// Package envelope defines the Domain Action and Domain Action Response
// wire types moved over Redis Streams and response lists, along with the
// generators for their identifiers.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainAction is the envelope for one unit of work routed between
// services. Its payload (Data) is opaque to the core; only the envelope
// fields below are inspected for routing, tracing, and correlation.
type DomainAction struct {
	ActionID       string                 `json:"action_id"`
	ActionType     string                 `json:"action_type"`
	OriginService  string                 `json:"origin_service"`
	TargetService  string                 `json:"target_service"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	TaskID         string                 `json:"task_id,omitempty"`
	TraceID        string                 `json:"trace_id"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	Data           json.RawMessage        `json:"data,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CallbackQueue  string                 `json:"callback_queue_name,omitempty"`
	CallbackAction string                 `json:"callback_action_type,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Mode identifies which of the three interaction modes an envelope carries.
type Mode int

const (
	// ModeFireAndForget carries no callback queue: the emitter does not wait.
	ModeFireAndForget Mode = iota
	// ModePseudoSync carries a callback queue (a response list) but no
	// callback action type: the emitter blocks for a direct reply.
	ModePseudoSync
	// ModeAsyncCallback carries both a callback queue (a stream) and a
	// callback action type: the reply arrives later as a fresh action.
	ModeAsyncCallback
)

// Mode classifies the envelope per the invariant in §3: exactly one of the
// three interaction modes applies based on which callback fields are set.
func (a *DomainAction) Mode() Mode {
	switch {
	case a.CallbackQueue == "":
		return ModeFireAndForget
	case a.CallbackAction == "":
		return ModePseudoSync
	default:
		return ModeAsyncCallback
	}
}

// ErrorPayload is the structured error shape carried on a failed
// DomainActionResponse or error callback.
type ErrorPayload struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DomainActionResponse is the direct reply to a pseudo-sync action. Exactly
// one of Data or Error is present, consistent with Success.
type DomainActionResponse struct {
	CorrelationID  string          `json:"correlation_id"`
	TraceID        string          `json:"trace_id"`
	ActionTypeResp string          `json:"action_type_response_to"`
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *ErrorPayload   `json:"error,omitempty"`
}

// NewActionID generates a globally unique action identifier.
func NewActionID() string {
	return uuid.New().String()
}

// NewCorrelationID generates a correlation identifier binding one
// request to one reply or callback.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewTraceID generates a trace identifier for a root action. Child actions
// must copy it verbatim rather than calling this again.
func NewTraceID() string {
	return uuid.New().String()
}
