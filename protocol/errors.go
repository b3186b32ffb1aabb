package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch is returned when parameter names or shapes differ from the round schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrUnknownParticipant is returned for messages from unregistered or disabled senders.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrRoundMismatch is returned for messages that belong to a different round.
	ErrRoundMismatch = errors.New("round mismatch")
)

// AbortReason is a machine-readable cause of a round abort.
type AbortReason string

const (
	AbortNoParticipants        AbortReason = "no_participants"
	AbortNoUpdates             AbortReason = "no_updates"
	AbortInsufficientShares    AbortReason = "insufficient_shares"
	AbortReconstructionInvalid AbortReason = "reconstruction_invalid"
	AbortSchemaMismatch        AbortReason = "schema_mismatch"
	AbortAggregationFailed     AbortReason = "aggregation_failed"
	AbortAuditFailed           AbortReason = "audit_failed"
	AbortCancelled             AbortReason = "cancelled"
)

// ReplayError rejects a message whose sequence number does not exceed the last accepted one.
type ReplayError struct {
	Sender   string
	Sequence uint64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay or stale sequence %d from %s", e.Sequence, e.Sender)
}

// ProtocolAbortError reports why a round could not be completed.
type ProtocolAbortError struct {
	Round  uint64
	Reason AbortReason
	Err    error
}

func (e *ProtocolAbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("round %d aborted: %s", e.Round, e.Reason)
	}
	return fmt.Sprintf("round %d aborted: %s: %v", e.Round, e.Reason, e.Err)
}

func (e *ProtocolAbortError) Unwrap() error {
	return e.Err
}

func abort(round uint64, reason AbortReason, err error) *ProtocolAbortError {
	return &ProtocolAbortError{Round: round, Reason: reason, Err: err}
}
