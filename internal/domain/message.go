package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a wire message type.
type Kind string

const (
	// System.
	KindAuth   Kind = "auth"
	KindAuthOK Kind = "auth_ok"
	KindPing   Kind = "ping"
	KindPong   Kind = "pong"
	KindError  Kind = "error"
	KindClose  Kind = "close"

	// Test lifecycle.
	KindSubmit   Kind = "submit"
	KindSubmitOK Kind = "submit_ok"
	KindCancel   Kind = "cancel"
	KindCancelOK Kind = "cancel_ok"

	// Execution commands (server <-> worker).
	KindDispatch    Kind = "dispatch"
	KindDispatchAck Kind = "dispatch_ack"
	KindProgress    Kind = "progress"
	KindResult      Kind = "result"

	// Subscriptions.
	KindSubscribe   Kind = "subscribe"
	KindSubscribeOK Kind = "subscribe_ok"
	KindUnsubscribe Kind = "unsubscribe"
	KindEvent       Kind = "event"
	KindGap         Kind = "gap"
)

// Class groups message kinds by the subsystem that handles them.
type Class string

const (
	ClassSystem           Class = "system"
	ClassTestLifecycle    Class = "test_lifecycle"
	ClassExecutionCommand Class = "execution_command"
	ClassSubscription     Class = "subscription"
)

var kindClasses = map[Kind]Class{
	KindAuth:        ClassSystem,
	KindAuthOK:      ClassSystem,
	KindPing:        ClassSystem,
	KindPong:        ClassSystem,
	KindError:       ClassSystem,
	KindClose:       ClassSystem,
	KindSubmit:      ClassTestLifecycle,
	KindSubmitOK:    ClassTestLifecycle,
	KindCancel:      ClassTestLifecycle,
	KindCancelOK:    ClassTestLifecycle,
	KindDispatch:    ClassExecutionCommand,
	KindDispatchAck: ClassExecutionCommand,
	KindProgress:    ClassExecutionCommand,
	KindResult:      ClassExecutionCommand,
	KindSubscribe:   ClassSubscription,
	KindSubscribeOK: ClassSubscription,
	KindUnsubscribe: ClassSubscription,
	KindEvent:       ClassSubscription,
	KindGap:         ClassSubscription,
}

// KnownKind reports whether k is a recognized message kind.
func KnownKind(k Kind) bool {
	_, ok := kindClasses[k]
	return ok
}

// ClassOf returns the class a kind belongs to, or "" for unknown kinds.
func ClassOf(k Kind) Class {
	return kindClasses[k]
}

// Message is the wire envelope. Payload stays raw until the handler for
// the kind decodes it.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	Kind          Kind            `json:"kind"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewMessage builds a message with a fresh ID and the current timestamp.
func NewMessage(kind Kind, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.New(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewReply builds a response correlated to req.
func NewReply(req Message, kind Kind, payload any) (Message, error) {
	msg, err := NewMessage(kind, payload)
	if err != nil {
		return Message{}, err
	}
	corr := req.ID
	msg.CorrelationID = &corr
	return msg, nil
}

// Error codes carried in error message payloads.
const (
	CodeProtocolError    = "PROTOCOL_ERROR"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeServerDraining   = "SERVER_DRAINING"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

// AuthPayload opens a session. Worker sessions advertise slot capacity.
type AuthPayload struct {
	Token  string `json:"token"`
	Worker bool   `json:"worker,omitempty"`
	Slots  int    `json:"slots,omitempty"`
}

type AuthOKPayload struct {
	SessionID   string   `json:"session_id"`
	Identity    string   `json:"identity"`
	Permissions []string `json:"permissions"`
	// PingIntervalMs tells the client how often the server pings.
	PingIntervalMs int `json:"ping_interval_ms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfterMs is set on quota denials.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

type ClosePayload struct {
	Reason string `json:"reason"`
}

type SubmitPayload struct {
	Name        string          `json:"name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type SubmitOKPayload struct {
	ExecutionID string `json:"execution_id"`
}

type CancelPayload struct {
	ExecutionID string `json:"execution_id"`
}

type CancelOKPayload struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// DispatchPayload carries an execution to a worker. Attempt fences late
// or duplicate results.
type DispatchPayload struct {
	ExecutionID string          `json:"execution_id"`
	Name        string          `json:"name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Attempt     int             `json:"attempt"`
	TimeoutMs   int64           `json:"timeout_ms"`
}

type DispatchAckPayload struct {
	ExecutionID string `json:"execution_id"`
	Attempt     int    `json:"attempt"`
}

type ProgressPayload struct {
	ExecutionID string          `json:"execution_id"`
	Attempt     int             `json:"attempt"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type ResultPayload struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	ResultData  json.RawMessage `json:"result_data,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
}

type SubscribePayload struct {
	Types []EventType `json:"types,omitempty"`
	Tags  []string    `json:"tags,omitempty"`
}

type GapPayload struct {
	Dropped int `json:"dropped"`
}
