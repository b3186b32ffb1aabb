package protocol

import (
	"context"

	"github.com/flashbots/secagg/audit"
)

// SequenceStore is the durable anti-replay state, one counter per stream.
// Streams are named by StreamID, so a counter belongs to one registration.
// Implementations must serialize read-then-write per key; no cross-key locking is required.
type SequenceStore interface {
	// LastSequence returns the last accepted sequence for stream, or 0 if none.
	LastSequence(ctx context.Context, stream string) (uint64, error)

	// SetLastSequence unconditionally stores seq for stream.
	SetLastSequence(ctx context.Context, stream string, seq uint64) error

	// Advance atomically stores seq if it is strictly greater than the stored value.
	// It reports false, without error, for stale or replayed sequences.
	Advance(ctx context.Context, stream string, seq uint64) (bool, error)
}

// MaskedShareStore keeps the masked update bytes received in each round.
// Rows are scoped by run, since round numbers restart with every coordinator run.
type MaskedShareStore interface {
	Put(ctx context.Context, run string, round uint64, clientID string, data []byte) error
	GetAll(ctx context.Context, run string, round uint64) (map[string][]byte, error)

	// Forget drops everything stored for the round once it is finished.
	Forget(ctx context.Context, run string, round uint64) error
}

// KeyProvider hands out private key bytes held by an external key manager.
type KeyProvider interface {
	PrivateKeyBytes(keyID string) ([]byte, error)
}

// ParticipantClient is the coordinator's handle on one remote participant.
// Every call must honor ctx cancellation.
type ParticipantClient interface {
	// RequestMaskKey returns an envelope carrying a MaskKeyAdvert.
	RequestMaskKey(ctx context.Context, req *KeyRequest) (*Envelope, error)

	// RequestMaskedUpdate returns an envelope carrying a MaskedUpdate.
	RequestMaskedUpdate(ctx context.Context, req *UpdateRequest) (*Envelope, error)

	// RequestUnmaskShares returns an envelope carrying an UnmaskResponse.
	RequestUnmaskShares(ctx context.Context, req *UnmaskRequest) (*Envelope, error)
}

// RoundRecorder durably records the outcome of a finished round.
type RoundRecorder interface {
	RecordRound(rec audit.RoundRecord) error
}
