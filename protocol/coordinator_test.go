package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/flashbots/secagg/audit"
	"github.com/flashbots/secagg/crypto"
	"github.com/stretchr/testify/require"
)

var testSchema = ParamSchema{"w": {2, 2}, "b": {3}}

type recorderFunc func(audit.RoundRecord) error

func (f recorderFunc) RecordRound(rec audit.RoundRecord) error { return f(rec) }

type testSession struct {
	coord    *Coordinator
	registry *Registry
	shares   *MemoryShareStore
	clients  map[string]*LocalClient
	values   map[string]map[string][]float64
	ids      []string
	records  []audit.RoundRecord
}

func testConfig() *SecAggConfig {
	config := DefaultConfig()
	config.CallTimeout = time.Second
	config.UnmaskTimeout = time.Second
	config.RoundTimeout = 10 * time.Second
	config.MaxRetries = 2
	config.BackoffBase = time.Millisecond
	return config
}

func contribution(i int) map[string][]float64 {
	f := float64(i + 1)
	return map[string][]float64{
		"w": {f * 0.5, -f, f * 1.25, 3.0 / f},
		"b": {f, -f * 0.001, 100 * f},
	}
}

type sessionStores struct {
	sequences SequenceStore
	shares    *MemoryShareStore
	runID     string
}

// setupSession registers n participants and seals the roster.
func setupSession(t *testing.T, n int, config *SecAggConfig, recorder RoundRecorder) *testSession {
	t.Helper()
	return setupSessionWith(t, n, config, recorder, sessionStores{})
}

func setupSessionWith(t *testing.T, n int, config *SecAggConfig, recorder RoundRecorder, stores sessionStores) *testSession {
	t.Helper()

	coordPub, coordPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	registry, err := NewRegistry(coordPriv, testSchema, config, nil)
	require.NoError(t, err)

	if stores.sequences == nil {
		stores.sequences = NewMemorySequenceStore()
	}
	if stores.shares == nil {
		stores.shares = NewMemoryShareStore()
	}
	s := &testSession{
		registry: registry,
		shares:   stores.shares,
		clients:  make(map[string]*LocalClient),
		values:   make(map[string]map[string][]float64),
	}
	if recorder == nil {
		recorder = recorderFunc(func(rec audit.RoundRecord) error {
			s.records = append(s.records, rec)
			return nil
		})
	}

	s.coord, err = NewCoordinator(CoordinatorDeps{
		Config:    config,
		Registry:  registry,
		Sequences: stores.sequences,
		Shares:    stores.shares,
		Recorder:  recorder,
		RunID:     stores.runID,
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		p, err := NewParticipant(id, testSchema, coordPub, config)
		require.NoError(t, err)
		s.values[id] = contribution(i)
		s.clients[id] = NewLocalClient(p, s.values[id])
		s.ids = append(s.ids, id)

		reg, err := p.Registration()
		require.NoError(t, err)
		_, err = s.coord.Register(reg, s.clients[id])
		require.NoError(t, err)
	}

	roster, err := registry.Roster()
	require.NoError(t, err)
	for _, id := range s.ids {
		require.NoError(t, s.clients[id].Participant.SetRoster(roster))
	}
	return s
}

// exchangeKeys runs the mask key exchange of round among every participant
// outside the coordinator and returns the resulting round state.
func (s *testSession) exchangeKeys(t *testing.T, round uint64) *RoundState {
	t.Helper()
	roster, ok := s.registry.SealedRoster()
	require.True(t, ok)
	state := NewRoundState(round, s.ids, roster.Threshold, nil)
	for _, id := range s.ids {
		env, err := s.clients[id].Participant.AdvertiseMaskKey(&KeyRequest{Round: round, Participants: s.ids})
		require.NoError(t, err)
		advert, err := UnmarshalMessage[MaskKeyAdvert](env.Payload)
		require.NoError(t, err)
		state.PutAdvert(advert)
	}
	return state
}

// swapClient points the coordinator at a different transport for id.
func (s *testSession) swapClient(t *testing.T, id string, client ParticipantClient) {
	t.Helper()
	reg, err := s.clients[id].Participant.Registration()
	require.NoError(t, err)
	_, err = s.coord.Register(reg, client)
	require.NoError(t, err)
}

func (s *testSession) expectedSum(ids ...string) map[string][]float64 {
	sum := map[string][]float64{"w": make([]float64, 4), "b": make([]float64, 3)}
	for _, id := range ids {
		for name, vs := range s.values[id] {
			for i, v := range vs {
				sum[name][i] += v
			}
		}
	}
	return sum
}

func requireAggregate(t *testing.T, want map[string][]float64, got map[string][]float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, vs := range want {
		require.InDeltaSlice(t, vs, got[name], 1e-5, "parameter %s", name)
	}
}

func TestRoundWithoutDropout(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)

	outcome := s.coord.RunRound(context.Background())
	require.True(t, outcome.Ok(), "abort: %v", outcome.Abort)

	res := outcome.Result
	require.Equal(t, uint64(1), res.RoundID)
	require.Equal(t, s.ids, res.Received)
	require.Empty(t, res.Missing)
	require.Empty(t, res.Reconstructed)
	requireAggregate(t, s.expectedSum(s.ids...), res.Aggregate)

	require.Len(t, s.records, 1)
	require.Equal(t, 1.0, s.records[0].ParticipationRate)
}

// 5 participants share 3-of-5; one drops after advertising and its masks are
// removed after reconstruction.
func TestRoundDropoutReconstruction(t *testing.T) {
	s := setupSession(t, 5, testConfig(), nil)
	s.clients["p2"].DropUpdates(true)

	outcome := s.coord.RunRound(context.Background())
	res, err := outcome.Unwrap()
	require.NoError(t, err)

	alive := []string{"p0", "p1", "p3", "p4"}
	require.Equal(t, alive, res.Received)
	require.Equal(t, []string{"p2"}, res.Reconstructed)
	require.Empty(t, res.Missing)
	requireAggregate(t, s.expectedSum(alive...), res.Aggregate)

	require.Equal(t, 1, s.coord.Registry().BlacklistScore("p2"))
	require.InDelta(t, 0.8, s.records[0].ParticipationRate, 1e-12)

	// stored updates do not outlive the round
	require.Zero(t, s.shares.Rounds())
}

// A participant that never advertises a mask key is left out of the mask set,
// so nothing of it has to be reconstructed.
func TestRoundOfflineBeforeAdvertIsMissing(t *testing.T) {
	s := setupSession(t, 4, testConfig(), nil)
	s.clients["p2"].SetOffline(true)

	res, err := s.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	require.Equal(t, []string{"p0", "p1", "p3"}, res.Received)
	require.Equal(t, []string{"p2"}, res.Missing)
	require.Empty(t, res.Reconstructed)
	requireAggregate(t, s.expectedSum("p0", "p1", "p3"), res.Aggregate)
	require.Equal(t, 1, s.coord.Registry().BlacklistScore("p2"))
	require.Equal(t, []string{"p0", "p1", "p3"}, s.records[0].Extra["advertised"])
}

func TestRoundInsufficientSharesReportsMissing(t *testing.T) {
	s := setupSession(t, 5, testConfig(), nil)
	for _, id := range []string{"p1", "p2", "p3"} {
		s.clients[id].DropUpdates(true)
	}

	outcome := s.coord.RunRound(context.Background())
	require.True(t, outcome.Ok())
	require.Equal(t, []string{"p0", "p4"}, outcome.Result.Received)
	require.Equal(t, []string{"p1", "p2", "p3"}, outcome.Result.Missing)
	require.Empty(t, outcome.Result.Reconstructed)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	s.clients["p1"].FailNext(1)

	outcome := s.coord.RunRound(context.Background())
	require.True(t, outcome.Ok())
	require.Equal(t, s.ids, outcome.Result.Received)
	require.Zero(t, s.coord.Registry().BlacklistScore("p1"))
	requireAggregate(t, s.expectedSum(s.ids...), outcome.Result.Aggregate)
}

func TestBlacklistedParticipantLeavesLaterRounds(t *testing.T) {
	config := testConfig()
	config.BlacklistThreshold = 2
	s := setupSession(t, 4, config, nil)
	s.clients["p3"].DropUpdates(true)

	for round := 1; round <= 2; round++ {
		outcome := s.coord.RunRound(context.Background())
		require.True(t, outcome.Ok())
		require.Equal(t, []string{"p3"}, outcome.Result.Reconstructed)
	}
	require.False(t, s.coord.Registry().IsApproved("p3"))

	s.clients["p3"].DropUpdates(false)
	outcome := s.coord.RunRound(context.Background())
	require.True(t, outcome.Ok())
	require.Equal(t, uint64(3), outcome.Result.RoundID)
	require.Equal(t, []string{"p0", "p1", "p2"}, outcome.Result.Received)
	require.Empty(t, outcome.Result.Reconstructed)
	requireAggregate(t, s.expectedSum("p0", "p1", "p2"), outcome.Result.Aggregate)
}

func TestTamperedUpdateTreatedAsDropout(t *testing.T) {
	s := setupSession(t, 4, testConfig(), nil)
	s.clients["p1"].SetUpdateHook(func(env *Envelope) *Envelope {
		env.MAC[0] ^= 0xff
		return env
	})

	outcome := s.coord.RunRound(context.Background())
	require.True(t, outcome.Ok())
	require.Equal(t, []string{"p0", "p2", "p3"}, outcome.Result.Received)
	require.Equal(t, []string{"p1"}, outcome.Result.Reconstructed)
	requireAggregate(t, s.expectedSum("p0", "p2", "p3"), outcome.Result.Aggregate)

	// the recovered key belonged to round 1 only
	first, ok := s.clients["p1"].Participant.MaskKey(1)
	require.True(t, ok)
	s.clients["p1"].SetUpdateHook(nil)
	outcome = s.coord.RunRound(context.Background())
	require.True(t, outcome.Ok())
	require.Equal(t, s.ids, outcome.Result.Received)
	second, ok := s.clients["p1"].Participant.MaskKey(2)
	require.True(t, ok)
	require.NotEqual(t, first, second)
}

// stripMasks removes from u the masks its sender would have applied with priv
// against the given peer keys of round.
func stripMasks(t *testing.T, u *MaskedUpdate, priv crypto.KemPrivateKey, peers map[string]crypto.KemPublicKey) map[string][]float64 {
	t.Helper()
	expander, err := crypto.NewExpander(DefaultConfig().Expander)
	require.NoError(t, err)
	g := crypto.NewMaskGenerator(expander)
	sizes := testSchema.Sizes()
	data := make(map[string][]uint64, len(u.Params))
	for name, p := range u.Params {
		data[name] = slices.Clone(p.Data)
	}
	for peerID, peerKey := range peers {
		seed, err := crypto.DeriveSharedSecret(priv, peerKey, crypto.PairLabel("mask", u.Round, u.Sender, peerID))
		require.NoError(t, err)
		masks, err := g.MaskForSchema(seed, sizes)
		require.NoError(t, err)
		for name, mask := range masks {
			if crypto.MaskSign(u.Sender, peerID) > 0 {
				crypto.VectorSubInplace(data[name], mask)
			} else {
				crypto.VectorAddInplace(data[name], mask)
			}
		}
	}
	out := make(map[string][]float64, len(data))
	for name, vec := range data {
		for _, x := range vec {
			out[name] = append(out[name], crypto.DecodeFixedPoint(x, crypto.DefaultFixedPointBits))
		}
	}
	return out
}

// A participant whose key was reconstructed in one round rejoins the next with
// a fresh mask key; the recovered key strips none of its new masks.
func TestReconstructedKeyDoesNotUnmaskLaterRounds(t *testing.T) {
	s := setupSession(t, 4, testConfig(), nil)
	p2 := s.clients["p2"]
	p2.DropUpdates(true)

	res, err := s.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	require.Equal(t, []string{"p2"}, res.Reconstructed)
	recovered := p2.Participant.keys
	require.Equal(t, uint64(1), recovered.round)
	require.NotEqual(t, p2.Participant.PublicKey(), recovered.pub)

	p2.DropUpdates(false)
	var captured *Envelope
	p2.SetUpdateHook(func(env *Envelope) *Envelope {
		captured = env
		return env
	})
	res, err = s.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	require.Equal(t, s.ids, res.Received)
	require.Empty(t, res.Reconstructed)
	requireAggregate(t, s.expectedSum(s.ids...), res.Aggregate)

	require.NotNil(t, captured)
	u, err := UnmarshalMessage[MaskedUpdate](captured.Payload)
	require.NoError(t, err)
	peers := make(map[string]crypto.KemPublicKey)
	for _, id := range []string{"p0", "p1", "p3"} {
		peers[id], _ = s.clients[id].Participant.MaskKey(2)
	}

	current := p2.Participant.keys
	require.Equal(t, uint64(2), current.round)
	require.NotEqual(t, recovered.pub, current.pub)
	requireAggregate(t, s.values["p2"], stripMasks(t, u, current.priv, peers))

	stale := stripMasks(t, u, recovered.priv, peers)
	for name, want := range s.values["p2"] {
		for i, v := range want {
			require.Greater(t, math.Abs(stale[name][i]-v), 1.0, "parameter %s[%d] unmasked by a stale key", name, i)
		}
	}
}

// hangingClient advertises its mask key but never answers a masked update or
// unmask request before the call is cancelled.
type hangingClient struct {
	*LocalClient
}

func (c hangingClient) RequestMaskedUpdate(ctx context.Context, _ *UpdateRequest) (*Envelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c hangingClient) RequestUnmaskShares(ctx context.Context, _ *UnmaskRequest) (*Envelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCallTimeoutBoundsHangingParticipant(t *testing.T) {
	config := testConfig()
	config.CallTimeout = 100 * time.Millisecond
	s := setupSession(t, 5, config, nil)
	s.swapClient(t, "p3", hangingClient{s.clients["p3"]})

	start := time.Now()
	res, err := s.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	alive := []string{"p0", "p1", "p2", "p4"}
	require.Equal(t, alive, res.Received)
	require.Equal(t, []string{"p3"}, res.Reconstructed)
	require.Empty(t, res.Missing)
	requireAggregate(t, s.expectedSum(alive...), res.Aggregate)
	require.Equal(t, 1, s.coord.Registry().BlacklistScore("p3"))
}

func TestRoundTimeoutEndsCollection(t *testing.T) {
	config := testConfig()
	config.CallTimeout = time.Minute
	config.RoundTimeout = 300 * time.Millisecond
	s := setupSession(t, 5, config, nil)
	s.swapClient(t, "p3", hangingClient{s.clients["p3"]})

	start := time.Now()
	res, err := s.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	require.Less(t, time.Since(start), 3*time.Second)

	alive := []string{"p0", "p1", "p2", "p4"}
	require.Equal(t, alive, res.Received)
	require.Equal(t, []string{"p3"}, res.Reconstructed)
	requireAggregate(t, s.expectedSum(alive...), res.Aggregate)

	// the round deadline penalizes nobody
	require.Zero(t, s.coord.Registry().BlacklistScore("p3"))
}

// Sequence numbers restart with every participant process; a durable store
// shared across sessions must still accept them.
func TestSequenceStoreSharedAcrossSessions(t *testing.T) {
	seqs := NewMemorySequenceStore()

	first := setupSessionWith(t, 3, testConfig(), nil, sessionStores{sequences: seqs})
	for i := 0; i < 2; i++ {
		require.True(t, first.coord.RunRound(context.Background()).Ok())
	}

	second := setupSessionWith(t, 3, testConfig(), nil, sessionStores{sequences: seqs})
	res, err := second.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	require.Equal(t, second.ids, res.Received)
	requireAggregate(t, second.expectedSum(second.ids...), res.Aggregate)
}

// Rows left behind by an earlier run under the same round number do not leak
// into the next run's aggregate.
func TestShareStoreScopedByRun(t *testing.T) {
	shares := NewMemoryShareStore()
	stale, err := json.Marshal(&MaskedUpdate{Sender: "p9", Round: 1, Params: map[string]FieldParam{
		"w": {Shape: []int{2, 2}, Data: []uint64{1, 1, 1, 1}},
		"b": {Shape: []int{3}, Data: []uint64{1, 1, 1}},
	}})
	require.NoError(t, err)
	require.NoError(t, shares.Put(context.Background(), "crashed-run", 1, "p9", stale))
	require.NoError(t, shares.Put(context.Background(), "crashed-run", 1, "p0", stale))

	s := setupSessionWith(t, 3, testConfig(), nil, sessionStores{shares: shares, runID: "next-run"})
	require.Equal(t, "next-run", s.coord.RunID())

	res, err := s.coord.RunRound(context.Background()).Unwrap()
	require.NoError(t, err)
	requireAggregate(t, s.expectedSum(s.ids...), res.Aggregate)
	require.Equal(t, "next-run", s.records[0].Extra["run"])

	left, err := shares.GetAll(context.Background(), "crashed-run", 1)
	require.NoError(t, err)
	require.Len(t, left, 2)
	require.Equal(t, 1, shares.Rounds())
}

func TestAuditFailureAbortsRound(t *testing.T) {
	failing := recorderFunc(func(audit.RoundRecord) error {
		return &audit.AuditError{Op: "sync", Err: errors.New("disk full")}
	})
	s := setupSession(t, 3, testConfig(), failing)

	outcome := s.coord.RunRound(context.Background())
	require.False(t, outcome.Ok())
	require.Nil(t, outcome.Result)
	require.Equal(t, AbortAuditFailed, outcome.Abort.Reason)
	require.Zero(t, s.shares.Rounds())

	_, err := outcome.Unwrap()
	var aerr *audit.AuditError
	require.ErrorAs(t, err, &aerr)
}

func TestAllOfflineAbortsWithNoUpdates(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	for _, c := range s.clients {
		c.SetOffline(true)
	}

	outcome := s.coord.RunRound(context.Background())
	require.False(t, outcome.Ok())
	require.Equal(t, AbortNoUpdates, outcome.Abort.Reason)
}

func TestRoundWritesVerifiableAuditLedger(t *testing.T) {
	ledger, err := audit.OpenFile(filepath.Join(t.TempDir(), "ledger.jsonl"), []byte("secret"), nil)
	require.NoError(t, err)
	defer ledger.Close()

	s := setupSession(t, 3, testConfig(), ledger)
	s.clients["p0"].SampleRate = 0.05

	for i := 0; i < 2; i++ {
		require.True(t, s.coord.RunRound(context.Background()).Ok())
	}

	ok, err := ledger.VerifyEntries()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMaskedUpdateHidesValues(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	state := s.exchangeKeys(t, 9)
	p := s.clients["p0"].Participant

	env, err := p.MaskedUpdate(state.UpdateRequest("p0"), s.values["p0"], 0)
	require.NoError(t, err)
	u, err := UnmarshalMessage[MaskedUpdate](env.Payload)
	require.NoError(t, err)

	plain, err := crypto.EncodeFixedPoint(s.values["p0"]["b"][0], crypto.DefaultFixedPointBits)
	require.NoError(t, err)
	require.NotEqual(t, plain, u.Params["b"].Data[0])

	// a repeated request yields the same masked vector
	again, err := p.MaskedUpdate(state.UpdateRequest("p0"), s.values["p0"], 0)
	require.NoError(t, err)
	u2, err := UnmarshalMessage[MaskedUpdate](again.Payload)
	require.NoError(t, err)
	require.Equal(t, u.Params, u2.Params)

	req := state.UpdateRequest("p0")
	req.Participants = []string{"p1", "p2"}
	_, err = p.MaskedUpdate(req, s.values["p0"], 0)
	require.Error(t, err)

	// the mask set is fixed by the first request of the round
	req = state.UpdateRequest("p0")
	req.Participants = []string{"p0", "p1"}
	_, err = p.MaskedUpdate(req, s.values["p0"], 0)
	require.Error(t, err)

	_, err = p.MaskedUpdate(state.UpdateRequest("p0"), map[string][]float64{"w": {1, 2, 3, 4}}, 0)
	require.ErrorIs(t, err, ErrSchemaMismatch)

	// no re-keying once the round has been masked
	_, err = p.AdvertiseMaskKey(&KeyRequest{Round: 9, Participants: s.ids})
	require.Error(t, err)
	_, err = p.AdvertiseMaskKey(&KeyRequest{Round: 8, Participants: s.ids})
	require.Error(t, err)
}

// A coordinator cannot substitute a peer's mask key: the key inside the share
// package the peer encrypted must match the advertised one.
func TestMaskedUpdateRejectsSubstitutedMaskKey(t *testing.T) {
	s := setupSession(t, 3, testConfig(), nil)
	state := s.exchangeKeys(t, 1)
	p := s.clients["p0"].Participant

	forged, _, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	req := state.UpdateRequest("p0")
	req.MaskKeys["p1"] = forged
	_, err = p.MaskedUpdate(req, s.values["p0"], 0)
	require.ErrorContains(t, err, "does not match")

	req = state.UpdateRequest("p0")
	req.MaskKeys["p0"] = forged
	_, err = p.MaskedUpdate(req, s.values["p0"], 0)
	require.Error(t, err)

	req = state.UpdateRequest("p0")
	req.Shares = req.Shares[:1]
	_, err = p.MaskedUpdate(req, s.values["p0"], 0)
	require.ErrorContains(t, err, "no share dealt")
}
