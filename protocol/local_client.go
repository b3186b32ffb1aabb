package protocol

import (
	"context"
	"errors"

	"go.uber.org/atomic"
)

// ErrParticipantOffline is returned by a LocalClient that simulates a dropout.
var ErrParticipantOffline = errors.New("participant offline")

// LocalClient connects the coordinator to an in-process Participant.
// Behavior can be customized for tests and simulations.
type LocalClient struct {
	Participant *Participant

	// Contribution supplies the plaintext values for a round.
	Contribution func(round uint64) (map[string][]float64, error)

	// SampleRate is reported alongside every update.
	SampleRate float64

	offline    atomic.Bool
	dropped    atomic.Bool
	failFirst  atomic.Int64
	updateHook func(*Envelope) *Envelope
}

// NewLocalClient wraps p with a fixed contribution.
func NewLocalClient(p *Participant, values map[string][]float64) *LocalClient {
	return &LocalClient{
		Participant: p,
		Contribution: func(uint64) (map[string][]float64, error) {
			return values, nil
		},
	}
}

// SetOffline makes every call fail until reset.
func (c *LocalClient) SetOffline(offline bool) {
	c.offline.Store(offline)
}

// DropUpdates makes masked update and unmask calls fail while mask key
// requests still succeed, as for a participant that leaves mid-round.
func (c *LocalClient) DropUpdates(dropped bool) {
	c.dropped.Store(dropped)
}

// FailNext makes the next n masked update calls fail.
func (c *LocalClient) FailNext(n int) {
	c.failFirst.Store(int64(n))
}

// SetUpdateHook lets tests tamper with outgoing update envelopes.
func (c *LocalClient) SetUpdateHook(hook func(*Envelope) *Envelope) {
	c.updateHook = hook
}

func (c *LocalClient) RequestMaskKey(ctx context.Context, req *KeyRequest) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.offline.Load() {
		return nil, ErrParticipantOffline
	}
	return c.Participant.AdvertiseMaskKey(req)
}

func (c *LocalClient) RequestMaskedUpdate(ctx context.Context, req *UpdateRequest) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.offline.Load() || c.dropped.Load() {
		return nil, ErrParticipantOffline
	}
	if c.failFirst.Dec() >= 0 {
		return nil, ErrParticipantOffline
	}
	values, err := c.Contribution(req.Round)
	if err != nil {
		return nil, err
	}
	env, err := c.Participant.MaskedUpdate(req, values, c.SampleRate)
	if err != nil {
		return nil, err
	}
	if c.updateHook != nil {
		env = c.updateHook(env)
	}
	return env, nil
}

func (c *LocalClient) RequestUnmaskShares(ctx context.Context, req *UnmaskRequest) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.offline.Load() || c.dropped.Load() {
		return nil, ErrParticipantOffline
	}
	return c.Participant.UnmaskShares(req)
}
