package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flashbots/secagg/crypto"
)

// RejectReason is the machine-readable outcome of message intake.
type RejectReason string

const (
	ReasonAccepted          RejectReason = "accepted"
	ReasonHMACMismatch      RejectReason = "hmac_mismatch"
	ReasonReplayOrStale     RejectReason = "replay_or_stale"
	ReasonPersistFailure    RejectReason = "persist_failure"
	ReasonDeserializeFailed RejectReason = "deserialize_failed"
	ReasonProcessingFailed  RejectReason = "processing_failed"
)

// IntakeResult reports whether a message was accepted and, if not, why.
type IntakeResult struct {
	Accepted bool
	Reason   RejectReason
	Err      error
}

func rejected(reason RejectReason, err error) IntakeResult {
	return IntakeResult{Reason: reason, Err: err}
}

// Channel is one sender's authenticated stream: the key its messages are
// MACed under and the stream its sequence numbers are counted in.
type Channel struct {
	Stream string
	Key    crypto.SharedKey
}

// Receiver is the gatekeeper for inbound participant messages.
// It authenticates, enforces strictly increasing per-stream sequence numbers and
// only then hands the decoded message to processing.
type Receiver struct {
	seqs SequenceStore
	log  *slog.Logger
}

func NewReceiver(seqs SequenceStore, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{seqs: seqs, log: log}
}

// Receive runs an envelope through intake and, when it passes, calls onAccept
// with the decoded payload.
//
// The sequence number is persisted before decoding and processing, so a later
// failure does not roll it back: the sender must use a fresh sequence number
// for any retry.
func Receive[T any](ctx context.Context, r *Receiver, env *Envelope, ch Channel, onAccept func(context.Context, *T) error) IntakeResult {
	if !crypto.VerifyMessage(ch.Key, env.Payload, env.Sequence, env.MAC) {
		r.log.Warn("rejected message", "sender", env.Sender, "reason", ReasonHMACMismatch)
		return rejected(ReasonHMACMismatch, &crypto.CryptographicError{Op: "verify message", Err: crypto.ErrMessageMAC})
	}

	advanced, err := r.seqs.Advance(ctx, ch.Stream, env.Sequence)
	if err != nil {
		r.log.Error("could not persist sequence", "sender", env.Sender, "stream", ch.Stream, "err", err)
		return rejected(ReasonPersistFailure, err)
	}
	if !advanced {
		r.log.Warn("rejected message", "sender", env.Sender, "stream", ch.Stream, "sequence", env.Sequence, "reason", ReasonReplayOrStale)
		return rejected(ReasonReplayOrStale, &ReplayError{Sender: env.Sender, Sequence: env.Sequence})
	}

	msg, err := UnmarshalMessage[T](env.Payload)
	if err != nil {
		r.log.Warn("rejected message", "sender", env.Sender, "reason", ReasonDeserializeFailed, "err", err)
		return rejected(ReasonDeserializeFailed, err)
	}

	if err := process(ctx, msg, onAccept); err != nil {
		r.log.Warn("rejected message", "sender", env.Sender, "reason", ReasonProcessingFailed, "err", err)
		return rejected(ReasonProcessingFailed, err)
	}

	return IntakeResult{Accepted: true, Reason: ReasonAccepted}
}

// process calls onAccept, converting a panic into an error.
func process[T any](ctx context.Context, msg *T, onAccept func(context.Context, *T) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in message handler: %v", p)
		}
	}()
	return onAccept(ctx, msg)
}
