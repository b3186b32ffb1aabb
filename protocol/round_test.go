package protocol

import (
	"errors"
	"testing"

	"github.com/flashbots/secagg/crypto"
	"github.com/stretchr/testify/require"
)

func TestRoundStateTransitions(t *testing.T) {
	s := NewRoundState(1, []string{"a", "b"}, 1, nil)
	require.Equal(t, PhaseAdvertising, s.Phase())
	require.Error(t, s.Transition(PhaseAwaitingUnmask))
	require.NoError(t, s.Transition(PhaseCollecting))

	require.Error(t, s.Transition(PhaseDone))
	require.Error(t, s.Transition(PhaseReconstructing))

	require.NoError(t, s.Transition(PhaseAwaitingUnmask))
	require.NoError(t, s.Transition(PhaseReconstructing))
	require.NoError(t, s.Transition(PhaseAggregating))
	require.NoError(t, s.Transition(PhaseDone))

	// terminal phases have no way out
	require.Error(t, s.Transition(PhaseAborted))

	aborted := NewRoundState(2, nil, 1, nil)
	require.NoError(t, aborted.Transition(PhaseAborted))
	require.Error(t, aborted.Transition(PhaseCollecting))
}

func TestRoundStateMissing(t *testing.T) {
	s := NewRoundState(3, []string{"a", "b", "c", "d", "e"}, 2, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		s.PutAdvert(&MaskKeyAdvert{Sender: id, Round: 3, MaskKey: crypto.KemPublicKey{byte(id[0])}})
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, s.MaskSet())
	require.Equal(t, []string{"e"}, s.Absent())

	s.PutUpdate(&MaskedUpdate{Sender: "c", Round: 3})
	s.PutUpdate(&MaskedUpdate{Sender: "a", Round: 3})
	s.PutUpdate(&MaskedUpdate{Sender: "a", Round: 3, SampleRate: 0.5})

	require.Equal(t, []string{"a", "c"}, s.Received())
	require.Len(t, s.Updates(), 2)
	// e never advertised, so there is nothing of it to unmask
	require.Equal(t, []string{"b", "d"}, s.ComputeMissing())
	require.Equal(t, []string{"b", "d"}, s.Missing())
	require.True(t, s.IsMissing("d"))
	require.False(t, s.IsMissing("a"))
	require.False(t, s.IsMissing("e"))

	// the later update replaces the earlier one
	for _, u := range s.Updates() {
		if u.Sender == "a" {
			require.Equal(t, 0.5, u.SampleRate)
		}
	}

	share := UnmaskShare{Sender: "a", MissingClient: "b", Share: ShareEntry{Index: 1}}
	s.AddUnmaskShare(share)
	s.AddUnmaskShare(share)
	s.AddUnmaskShare(UnmaskShare{Sender: "c", MissingClient: "b", Share: ShareEntry{Index: 3}})
	require.Len(t, s.SharesFor("b"), 2)
	require.Empty(t, s.SharesFor("d"))
}

func TestRoundStateUpdateRequest(t *testing.T) {
	s := NewRoundState(2, []string{"a", "b", "c"}, 2, nil)
	for _, sender := range []string{"a", "b"} {
		a := &MaskKeyAdvert{Sender: sender, Round: 2, MaskKey: crypto.KemPublicKey{byte(sender[0])}}
		for _, recipient := range []string{"a", "b", "c"} {
			if recipient != sender {
				a.Shares = append(a.Shares, &SharePackage{Sender: sender, Recipient: recipient, Round: 2})
			}
		}
		s.PutAdvert(a)
	}

	req := s.UpdateRequest("a")
	require.Equal(t, uint64(2), req.Round)
	require.Equal(t, []string{"a", "b"}, req.Participants)
	require.Len(t, req.MaskKeys, 2)
	require.Len(t, req.Shares, 1)
	require.Equal(t, "b", req.Shares[0].Sender)
	require.Equal(t, "a", req.Shares[0].Recipient)
}

func TestOutcome(t *testing.T) {
	ok := Outcome{Result: &RoundResult{RoundID: 1}}
	require.True(t, ok.Ok())
	res, err := ok.Unwrap()
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.RoundID)

	cause := errors.New("cause")
	failed := Outcome{Abort: abort(4, AbortInsufficientShares, cause)}
	require.False(t, failed.Ok())
	_, err = failed.Unwrap()
	require.ErrorIs(t, err, cause)

	var perr *ProtocolAbortError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, uint64(4), perr.Round)
	require.Equal(t, AbortInsufficientShares, perr.Reason)
}
