package protocol

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T, config *SecAggConfig) (*Registry, crypto.KemPublicKey) {
	t.Helper()
	pub, priv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	r, err := NewRegistry(priv, testSchema, config, nil)
	require.NoError(t, err)
	return r, pub
}

func TestRegistryRegistration(t *testing.T) {
	r, coordPub := setupTestRegistry(t, DefaultConfig())

	p, err := NewParticipant("alice", testSchema, coordPub, DefaultConfig())
	require.NoError(t, err)
	reg, err := p.Registration()
	require.NoError(t, err)

	h, err := r.Register(reg, nil)
	require.NoError(t, err)
	require.Equal(t, "alice", h.ID)
	require.Equal(t, p.PublicKey(), h.PublicKey)

	// both sides derive the same channel key
	require.Equal(t, p.channelKey, h.channelKey)
	require.Equal(t, p.shareKey, h.shareKey)

	// identical re-registration is idempotent
	again, err := r.Register(reg, nil)
	require.NoError(t, err)
	require.Same(t, h, again)

	// an impostor with the same id is refused
	impostor, err := NewParticipant("alice", testSchema, coordPub, DefaultConfig())
	require.NoError(t, err)
	impostorReg, err := impostor.Registration()
	require.NoError(t, err)
	_, err = r.Register(impostorReg, nil)
	require.Error(t, err)
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r, coordPub := setupTestRegistry(t, DefaultConfig())

	p, err := NewParticipant("bob", testSchema, coordPub, DefaultConfig())
	require.NoError(t, err)
	reg, err := p.Registration()
	require.NoError(t, err)
	reg.Object.ClientID = "mallory"
	_, err = r.Register(reg, nil)
	var cerr *crypto.CryptographicError
	require.ErrorAs(t, err, &cerr)

	other, err := NewParticipant("carol", ParamSchema{"w": {3}}, coordPub, DefaultConfig())
	require.NoError(t, err)
	otherReg, err := other.Registration()
	require.NoError(t, err)
	_, err = r.Register(otherReg, nil)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestRosterSealing(t *testing.T) {
	r, coordPub := setupTestRegistry(t, DefaultConfig())
	_, err := r.Roster()
	require.Error(t, err)

	for _, id := range []string{"d", "b", "a", "e", "c"} {
		p, err := NewParticipant(id, testSchema, coordPub, DefaultConfig())
		require.NoError(t, err)
		reg, err := p.Registration()
		require.NoError(t, err)
		_, err = r.Register(reg, nil)
		require.NoError(t, err)
	}

	roster, err := r.Roster()
	require.NoError(t, err)
	require.Equal(t, 3, roster.Threshold)
	require.Equal(t, coordPub, roster.CoordinatorKey)
	for i, m := range roster.Members {
		require.Equal(t, string(rune('a'+i)), m.ClientID)
		require.Equal(t, i+1, m.ShareIndex)
	}

	late, err := NewParticipant("f", testSchema, coordPub, DefaultConfig())
	require.NoError(t, err)
	lateReg, err := late.Registration()
	require.NoError(t, err)
	_, err = r.Register(lateReg, nil)
	require.Error(t, err)
}

func TestRegistryBlacklist(t *testing.T) {
	config := DefaultConfig()
	config.BlacklistThreshold = 2
	r, coordPub := setupTestRegistry(t, config)

	p, err := NewParticipant("alice", testSchema, coordPub, config)
	require.NoError(t, err)
	reg, err := p.Registration()
	require.NoError(t, err)
	_, err = r.Register(reg, nil)
	require.NoError(t, err)

	score, disabled := r.RecordFailure("alice")
	require.Equal(t, 1, score)
	require.False(t, disabled)
	require.Len(t, r.Approved(), 1)

	score, disabled = r.RecordFailure("alice")
	require.Equal(t, 2, score)
	require.True(t, disabled)
	require.Empty(t, r.Approved())
	require.False(t, r.IsApproved("alice"))

	score, disabled = r.RecordFailure("nobody")
	require.Zero(t, score)
	require.False(t, disabled)
}

func TestSharePackageForWrongRecipient(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	state := s.exchangeKeys(t, 1)

	// a share addressed to p1 cannot be opened by p2
	req := state.UpdateRequest("p2")
	for _, pkg := range state.UpdateRequest("p1").Shares {
		if pkg.Sender == "p0" {
			moved := *pkg
			moved.Recipient = "p2"
			for i, own := range req.Shares {
				if own.Sender == "p0" {
					req.Shares[i] = &moved
				}
			}
		}
	}
	_, err := s.clients["p2"].Participant.MaskedUpdate(req, s.values["p2"], 0)
	require.Error(t, err)

	// the coordinator only accepts adverts whose packages were dealt by their sender
	h, ok := s.registry.Get("p1")
	require.True(t, ok)
	round := NewRoundState(1, s.ids, 2, nil)
	p1Key, _ := s.clients["p1"].Participant.MaskKey(1)
	forged := &MaskKeyAdvert{Sender: "p1", Round: 1, MaskKey: p1Key, Shares: []*SharePackage{
		{Sender: "p0", Recipient: "p2", Round: 1, Share: req.Shares[0].Share},
		{Sender: "p1", Recipient: "p0", Round: 1, Share: req.Shares[0].Share},
	}}
	require.Error(t, s.coord.checkAdvert(round, h, forged))

	// every other expected participant needs exactly one package
	forged.Shares = forged.Shares[1:]
	require.ErrorContains(t, s.coord.checkAdvert(round, h, forged), "deals 1 shares, want 2")

	// the registration key never doubles as a mask key
	forged.MaskKey = h.PublicKey
	require.ErrorContains(t, s.coord.checkAdvert(round, h, forged), "registration key")
}

// The mask key exchange has no per-recipient queue: every package dealt to a
// participant travels in its own update request, however large the roster.
func TestUpdateRequestCarriesEveryDealtShare(t *testing.T) {
	const n = 300
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%03d", i)
	}
	state := NewRoundState(1, ids, 150, nil)
	for i, sender := range ids {
		a := &MaskKeyAdvert{Sender: sender, Round: 1, MaskKey: crypto.KemPublicKey{byte(i), byte(i >> 8), 1}}
		for _, recipient := range ids {
			if recipient != sender {
				a.Shares = append(a.Shares, &SharePackage{Sender: sender, Recipient: recipient, Round: 1})
			}
		}
		state.PutAdvert(a)
	}

	req := state.UpdateRequest("c007")
	require.Len(t, req.Participants, n)
	require.Len(t, req.MaskKeys, n)
	require.Len(t, req.Shares, n-1)
	for _, pkg := range req.Shares {
		require.Equal(t, "c007", pkg.Recipient)
	}
}

// maskRound exchanges keys for round and has every participant in masked produce its update.
func (s *testSession) maskRound(t *testing.T, round uint64, masked ...string) *RoundState {
	t.Helper()
	state := s.exchangeKeys(t, round)
	require.NoError(t, state.Transition(PhaseCollecting))
	for _, id := range masked {
		env, err := s.clients[id].Participant.MaskedUpdate(state.UpdateRequest(id), s.values[id], 0)
		require.NoError(t, err)
		u, err := UnmarshalMessage[MaskedUpdate](env.Payload)
		require.NoError(t, err)
		state.PutUpdate(u)
	}
	return state
}

func TestUnmaskSharesOnlyForRequestedPeers(t *testing.T) {
	s := setupSession(t, 4, testConfig(), nil)
	p := s.clients["p0"].Participant

	state := s.exchangeKeys(t, 1)

	// nothing is revealed for a round the participant did not mask
	_, err := p.UnmaskShares(&UnmaskRequest{Round: 1, MissingClients: []string{"p2"}})
	require.Error(t, err)

	_, err = p.MaskedUpdate(state.UpdateRequest("p0"), s.values["p0"], 0)
	require.NoError(t, err)
	require.Equal(t, 3, p.HeldShares(1))
	require.Zero(t, p.HeldShares(2))

	env, err := p.UnmaskShares(&UnmaskRequest{Round: 1, MissingClients: []string{"p0", "p2", "zz"}})
	require.NoError(t, err)
	resp, err := UnmarshalMessage[UnmaskResponse](env.Payload)
	require.NoError(t, err)
	require.Len(t, resp.Shares, 1)
	require.Equal(t, "p2", resp.Shares[0].MissingClient)
	require.Equal(t, 1, resp.Shares[0].Share.Index)

	// shares of an earlier round are gone once the next round is advertised
	s.exchangeKeys(t, 2)
	_, err = p.UnmaskShares(&UnmaskRequest{Round: 1, MissingClients: []string{"p2"}})
	require.Error(t, err)
}

func TestUnmaskResponseWithForgedShareRejected(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	state := s.maskRound(t, 1, "p0", "p1")
	require.Equal(t, []string{"p2"}, state.ComputeMissing())

	h, ok := s.coord.Registry().Get("p0")
	require.True(t, ok)

	env, err := s.clients["p0"].Participant.UnmaskShares(&UnmaskRequest{Round: 1, MissingClients: []string{"p2"}})
	require.NoError(t, err)
	resp, err := UnmarshalMessage[UnmaskResponse](env.Payload)
	require.NoError(t, err)
	require.NoError(t, s.coord.acceptUnmaskResponse(state, h, resp))
	require.Len(t, state.SharesFor("p2"), 1)

	resp.Shares[0].Share.Value = new(big.Int).Add(resp.Shares[0].Share.Value, big.NewInt(1))
	err = s.coord.acceptUnmaskResponse(state, h, resp)
	require.ErrorIs(t, err, crypto.ErrShareMAC)
}

// Reconstruction recovers the round mask key, never the registration key.
func TestReconstructRecoversRoundKey(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	state := s.maskRound(t, 1, "p0", "p1")
	missing := state.ComputeMissing()

	for _, id := range []string{"p0", "p1"} {
		h, _ := s.registry.Get(id)
		env, err := s.clients[id].Participant.UnmaskShares(&UnmaskRequest{Round: 1, MissingClients: missing})
		require.NoError(t, err)
		resp, err := UnmarshalMessage[UnmaskResponse](env.Payload)
		require.NoError(t, err)
		require.NoError(t, s.coord.acceptUnmaskResponse(state, h, resp))
	}

	keys, abortErr := s.coord.reconstruct(state, missing)
	require.Nil(t, abortErr)
	pub, err := keys["p2"].PublicKey()
	require.NoError(t, err)
	want, ok := s.clients["p2"].Participant.MaskKey(1)
	require.True(t, ok)
	require.Equal(t, want, pub)
	require.NotEqual(t, s.clients["p2"].Participant.PublicKey(), pub)
}

func TestConfigThresholdAndBackoff(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	require.Equal(t, 3, config.Threshold(5))
	require.Equal(t, 1, config.Threshold(1))
	require.Equal(t, 2, config.Threshold(4))
	config.ThresholdFraction = 0.6
	require.Equal(t, 3, config.Threshold(5))
	config.ThresholdFraction = 1
	require.Equal(t, 5, config.Threshold(5))

	require.Equal(t, time.Second, Backoff(config, 1, 0.5))
	require.Equal(t, 4*time.Second, Backoff(config, 3, 0.5))
	require.Equal(t, 900*time.Millisecond, Backoff(config, 1, 0))

	bad := DefaultConfig()
	bad.Method = "mean"
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.ThresholdFraction = 0
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.Expander = "md5"
	require.Error(t, bad.Validate())
}

func TestKeyProviders(t *testing.T) {
	static := StaticKeyProvider{"coordinator": {1, 2, 3}}
	key, err := static.PrivateKeyBytes("coordinator")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, key)
	_, err = static.PrivateKeyBytes("missing")
	require.Error(t, err)

	t.Setenv("SECAGG_KEY_COORDINATOR_MAIN", "0a0b")
	env := EnvKeyProvider{Prefix: "SECAGG_KEY_"}
	key, err = env.PrivateKeyBytes("coordinator-main")
	require.NoError(t, err)
	require.Equal(t, []byte{0x0a, 0x0b}, key)
	_, err = env.PrivateKeyBytes("absent")
	require.Error(t, err)
}
