package protocol

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
)

// RoundPhase is a state of the round state machine.
type RoundPhase string

const (
	PhaseAdvertising    RoundPhase = "ADVERTISING"
	PhaseCollecting     RoundPhase = "COLLECTING"
	PhaseAwaitingUnmask RoundPhase = "AWAITING_UNMASK"
	PhaseReconstructing RoundPhase = "RECONSTRUCTING"
	PhaseAggregating    RoundPhase = "AGGREGATING"
	PhaseDone           RoundPhase = "DONE"
	PhaseAborted        RoundPhase = "ABORTED"
)

var phaseTransitions = map[RoundPhase][]RoundPhase{
	PhaseAdvertising:    {PhaseCollecting, PhaseAborted},
	PhaseCollecting:     {PhaseAwaitingUnmask, PhaseAggregating, PhaseAborted},
	PhaseAwaitingUnmask: {PhaseReconstructing, PhaseAborted},
	PhaseReconstructing: {PhaseAggregating, PhaseAborted},
	PhaseAggregating:    {PhaseDone, PhaseAborted},
}

// RoundState is everything the coordinator knows about one round.
// It is owned by a single coordinator; the mutex only guards concurrent intake
// from the collection workers.
type RoundState struct {
	mu sync.Mutex

	RoundID   uint64
	Expected  []string
	Threshold int

	phase    RoundPhase
	adverts  map[string]*MaskKeyAdvert
	received map[string]*MaskedUpdate
	missing  []string
	// missing client -> share index -> share
	unmaskShares map[string]map[int]UnmaskShare

	log *slog.Logger
}

// NewRoundState starts a round in the ADVERTISING phase.
func NewRoundState(roundID uint64, expected []string, threshold int, log *slog.Logger) *RoundState {
	if log == nil {
		log = slog.Default()
	}
	return &RoundState{
		RoundID:      roundID,
		Expected:     slices.Clone(expected),
		Threshold:    threshold,
		phase:        PhaseAdvertising,
		adverts:      make(map[string]*MaskKeyAdvert),
		received:     make(map[string]*MaskedUpdate),
		unmaskShares: make(map[string]map[int]UnmaskShare),
		log:          log,
	}
}

// Phase returns the current phase.
func (s *RoundState) Phase() RoundPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transition moves the round to the next phase, rejecting illegal moves.
func (s *RoundState) Transition(to RoundPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(phaseTransitions[s.phase], to) {
		return fmt.Errorf("illegal round transition %s -> %s", s.phase, to)
	}
	s.log.Debug("round transition", "round", s.RoundID, "from", s.phase, "to", to)
	s.phase = to
	return nil
}

// PutAdvert records the mask key a participant advertised for this round.
func (s *RoundState) PutAdvert(a *MaskKeyAdvert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adverts[a.Sender] = a
}

// MaskSet returns the ids that advertised a mask key, sorted.
// Only they are asked for masked updates.
func (s *RoundState) MaskSet() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.adverts))
	for id := range s.adverts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Absent returns the expected ids that never advertised a mask key.
func (s *RoundState) Absent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.Expected {
		if _, ok := s.adverts[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// MaskKey returns the mask key id advertised for this round.
func (s *RoundState) MaskKey(id string) (crypto.KemPublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adverts[id]
	if !ok {
		return crypto.KemPublicKey{}, false
	}
	return a.MaskKey, true
}

// UpdateRequest builds the request for recipient: the mask set, its keys and
// the share packages dealt to recipient.
func (s *RoundState) UpdateRequest(recipient string) *UpdateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := &UpdateRequest{
		Round:    s.RoundID,
		MaskKeys: make(map[string]crypto.KemPublicKey, len(s.adverts)),
	}
	for id, a := range s.adverts {
		req.Participants = append(req.Participants, id)
		req.MaskKeys[id] = a.MaskKey
		if id == recipient {
			continue
		}
		for _, pkg := range a.Shares {
			if pkg.Recipient == recipient {
				req.Shares = append(req.Shares, pkg)
				break
			}
		}
	}
	slices.Sort(req.Participants)
	return req
}

// PutUpdate records a masked update. A later update from the same sender replaces the earlier one.
func (s *RoundState) PutUpdate(u *MaskedUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.received[u.Sender]; ok {
		s.log.Warn("overwriting masked update", "round", s.RoundID, "sender", u.Sender)
	}
	s.received[u.Sender] = u
}

// Received returns the ids that delivered an update, sorted.
func (s *RoundState) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.received))
	for id := range s.received {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Updates returns the received updates.
func (s *RoundState) Updates() []*MaskedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MaskedUpdate, 0, len(s.received))
	for _, u := range s.received {
		out = append(out, u)
	}
	return out
}

// ComputeMissing sets and returns the mask set minus the received updates:
// the participants whose masks are left in the sum.
func (s *RoundState) ComputeMissing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = s.missing[:0]
	for _, id := range s.Expected {
		if _, ok := s.adverts[id]; !ok {
			continue
		}
		if _, ok := s.received[id]; !ok {
			s.missing = append(s.missing, id)
		}
	}
	return slices.Clone(s.missing)
}

// Missing returns the last computed missing set.
func (s *RoundState) Missing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.missing)
}

// IsMissing reports whether id is in the missing set.
func (s *RoundState) IsMissing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.missing, id)
}

// AddUnmaskShare records a share for a missing participant, keyed by share index.
func (s *RoundState) AddUnmaskShare(share UnmaskShare) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.unmaskShares[share.MissingClient]
	if !ok {
		byIndex = make(map[int]UnmaskShare)
		s.unmaskShares[share.MissingClient] = byIndex
	}
	byIndex[share.Share.Index] = share
}

// SharesFor returns the shares collected for a missing participant.
func (s *RoundState) SharesFor(missing string) []UnmaskShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UnmaskShare, 0, len(s.unmaskShares[missing]))
	for _, share := range s.unmaskShares[missing] {
		out = append(out, share)
	}
	return out
}

// RoundResult is the outcome of a completed round.
type RoundResult struct {
	RoundID       uint64            `json:"round_id"`
	Aggregate     aggregator.Update `json:"aggregate"`
	Received      []string          `json:"received"`
	Missing       []string          `json:"missing"`
	Reconstructed []string          `json:"reconstructed"`
	State         RoundPhase        `json:"state"`
}

// Outcome is either a result or an abort; exactly one of the two is set.
type Outcome struct {
	Result *RoundResult        `json:"result,omitempty"`
	Abort  *ProtocolAbortError `json:"-"`
}

// Ok reports whether the round completed.
func (o Outcome) Ok() bool {
	return o.Abort == nil && o.Result != nil
}

// Unwrap returns the result or the abort as an error.
func (o Outcome) Unwrap() (*RoundResult, error) {
	if o.Abort != nil {
		return nil, o.Abort
	}
	return o.Result, nil
}
