// Package protocol implements the wire codec for easygrid messages.
//
// Decoding failures are per-message and non-fatal: the session reports
// them back to the sender and keeps the connection open.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-grid/internal/domain"
)

// DecodeError reasons.
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownKind = "unknown_kind"
)

// DecodeError describes why a frame could not be decoded.
type DecodeError struct {
	Reason  string
	Detail  string
	MsgID   uuid.UUID // set when the frame carried a parseable id
	HasID   bool
	MsgKind string
}

func (e *DecodeError) Error() string {
	if e.MsgKind != "" {
		return fmt.Sprintf("decode %s: kind=%q %s", e.Reason, e.MsgKind, e.Detail)
	}
	return fmt.Sprintf("decode %s: %s", e.Reason, e.Detail)
}

// rawEnvelope mirrors the wire shape with loose field types so that
// structural errors can be reported precisely.
type rawEnvelope struct {
	ID            *string         `json:"id"`
	Kind          *string         `json:"kind"`
	CorrelationID *string         `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     *time.Time      `json:"timestamp"`
}

// Encode serializes a message. It never fails for a validly constructed
// Message: the payload is already raw bytes.
func Encode(msg domain.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses and structurally validates a wire frame. On failure the
// returned error is a *DecodeError with reason malformed or unknown_kind.
func Decode(data []byte) (domain.Message, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Message{}, &DecodeError{Reason: ReasonMalformed, Detail: err.Error()}
	}

	if raw.ID == nil || *raw.ID == "" {
		return domain.Message{}, &DecodeError{Reason: ReasonMalformed, Detail: "missing required field: id"}
	}
	id, err := uuid.Parse(*raw.ID)
	if err != nil {
		return domain.Message{}, &DecodeError{Reason: ReasonMalformed, Detail: fmt.Sprintf("invalid id: %v", err)}
	}

	if raw.Kind == nil || *raw.Kind == "" {
		return domain.Message{}, &DecodeError{Reason: ReasonMalformed, Detail: "missing required field: kind", MsgID: id, HasID: true}
	}
	kind := domain.Kind(*raw.Kind)
	if !domain.KnownKind(kind) {
		return domain.Message{}, &DecodeError{
			Reason:  ReasonUnknownKind,
			Detail:  "unrecognized message kind",
			MsgID:   id,
			HasID:   true,
			MsgKind: *raw.Kind,
		}
	}

	if raw.Timestamp == nil || raw.Timestamp.IsZero() {
		return domain.Message{}, &DecodeError{Reason: ReasonMalformed, Detail: "missing required field: timestamp", MsgID: id, HasID: true}
	}

	msg := domain.Message{
		ID:        id,
		Kind:      kind,
		Payload:   raw.Payload,
		Timestamp: *raw.Timestamp,
	}

	if raw.CorrelationID != nil && *raw.CorrelationID != "" {
		corr, err := uuid.Parse(*raw.CorrelationID)
		if err != nil {
			return domain.Message{}, &DecodeError{Reason: ReasonMalformed, Detail: fmt.Sprintf("invalid correlation_id: %v", err), MsgID: id, HasID: true}
		}
		msg.CorrelationID = &corr
	}

	return msg, nil
}

// DecodePayload unmarshals a message payload into dst, reporting a
// malformed decode error on failure.
func DecodePayload(msg domain.Message, dst any) error {
	if len(msg.Payload) == 0 {
		return &DecodeError{Reason: ReasonMalformed, Detail: "missing payload", MsgID: msg.ID, HasID: true, MsgKind: string(msg.Kind)}
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return &DecodeError{Reason: ReasonMalformed, Detail: fmt.Sprintf("payload: %v", err), MsgID: msg.ID, HasID: true, MsgKind: string(msg.Kind)}
	}
	return nil
}
