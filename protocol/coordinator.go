package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/audit"
	"github.com/flashbots/secagg/crypto"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CoordinatorDeps are the collaborators a Coordinator is built from.
type CoordinatorDeps struct {
	Config    *SecAggConfig
	Registry  *Registry
	Sequences SequenceStore
	Shares    MaskedShareStore
	Recorder  RoundRecorder
	Log       *slog.Logger

	// RunID scopes stored masked updates to this run. Empty picks a random one.
	RunID string
}

// Coordinator drives secure aggregation rounds end to end.
// Rounds run one at a time; each owns a fresh RoundState.
type Coordinator struct {
	config   *SecAggConfig
	registry *Registry
	receiver *Receiver
	shares   MaskedShareStore
	recorder RoundRecorder
	masks    *crypto.MaskGenerator
	agg      *aggregator.Aggregator
	log      *slog.Logger
	runID    string

	// jitter returns a uniform value in [0, 1) for backoff perturbation.
	jitter func() float64

	roundMu   sync.Mutex
	lastRound uint64
}

// NewCoordinator validates the configuration and wires the collaborators.
func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Config == nil || deps.Registry == nil || deps.Sequences == nil || deps.Shares == nil || deps.Recorder == nil {
		return nil, errors.New("coordinator requires config, registry, stores and recorder")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	expander, err := crypto.NewExpander(deps.Config.Expander)
	if err != nil {
		return nil, err
	}
	agg, err := aggregator.New(deps.Registry.Schema().Sizes(), deps.Config.Method, deps.Config.Clip, log)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		config:   deps.Config,
		registry: deps.Registry,
		receiver: NewReceiver(deps.Sequences, log),
		shares:   deps.Shares,
		recorder: deps.Recorder,
		masks:    crypto.NewMaskGenerator(expander),
		agg:      agg,
		log:      log.With("run", runID),
		runID:    runID,
		jitter:   rand.Float64,
	}, nil
}

// Config returns the session configuration.
func (c *Coordinator) Config() *SecAggConfig {
	return c.config
}

// Registry returns the participant registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Register records a signed participant registration.
func (c *Coordinator) Register(signed *Signed[RegisterClient], client ParticipantClient) (*ClientHandle, error) {
	return c.registry.Register(signed, client)
}

// RunID returns the identifier stored masked updates are scoped by.
func (c *Coordinator) RunID() string {
	return c.runID
}

// RunRound executes one round. It never returns a bare error: failures are
// reported as an aborted Outcome with a machine-readable reason.
func (c *Coordinator) RunRound(ctx context.Context) Outcome {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()

	c.lastRound++
	roundID := c.lastRound
	log := c.log.With("round", roundID)
	defer c.forgetRound(context.WithoutCancel(ctx), roundID)

	roster, err := c.registry.Roster()
	if err != nil {
		return Outcome{Abort: abort(roundID, AbortNoParticipants, err)}
	}

	handles := c.registry.Approved()
	if len(handles) == 0 {
		return Outcome{Abort: abort(roundID, AbortNoParticipants, nil)}
	}
	expected := make([]string, len(handles))
	for i, h := range handles {
		expected[i] = h.ID
	}

	state := NewRoundState(roundID, expected, roster.Threshold, log)
	log.Info("round started", "expected", len(expected), "threshold", state.Threshold)

	result, abortErr := c.runPhases(ctx, state, handles)
	if abortErr != nil {
		_ = state.Transition(PhaseAborted)
		log.Error("round aborted", "reason", abortErr.Reason, "err", abortErr.Err)
		return Outcome{Abort: abortErr}
	}

	if err := state.Transition(PhaseDone); err != nil {
		return Outcome{Abort: abort(roundID, AbortAggregationFailed, err)}
	}
	result.State = state.Phase()
	log.Info("round done", "received", len(result.Received), "missing", len(result.Missing), "reconstructed", len(result.Reconstructed))
	return Outcome{Result: result}
}

// forgetRound drops the masked updates stored for a finished or aborted round.
func (c *Coordinator) forgetRound(ctx context.Context, roundID uint64) {
	if err := c.shares.Forget(ctx, c.runID, roundID); err != nil {
		c.log.Error("could not drop stored masked updates", "round", roundID, "err", err)
	}
}

// runPhases drives the round through its phases. RoundTimeout bounds mask key
// exchange and update collection; unmasking gets its own UnmaskTimeout window
// afterwards, so a round that hits its deadline still recovers its dropouts.
func (c *Coordinator) runPhases(ctx context.Context, state *RoundState, handles []*ClientHandle) (*RoundResult, *ProtocolAbortError) {
	roundID := state.RoundID

	collectCtx := ctx
	if c.config.RoundTimeout > 0 {
		var cancel context.CancelFunc
		collectCtx, cancel = context.WithTimeout(ctx, c.config.RoundTimeout)
		defer cancel()
	}

	c.fanOut(collectCtx, state, handles, "mask key", c.requestMaskKey)
	maskSet := state.MaskSet()
	if len(maskSet) == 0 {
		return nil, abort(roundID, AbortNoUpdates, errors.Join(ctx.Err(), collectCtx.Err()))
	}
	if err := state.Transition(PhaseCollecting); err != nil {
		return nil, abort(roundID, AbortCancelled, err)
	}

	members := make([]*ClientHandle, 0, len(maskSet))
	for _, h := range handles {
		if slices.Contains(maskSet, h.ID) {
			members = append(members, h)
		}
	}
	c.fanOut(collectCtx, state, members, "masked update", c.requestUpdate)

	received := state.Received()
	if len(received) == 0 {
		return nil, abort(roundID, AbortNoUpdates, errors.Join(ctx.Err(), collectCtx.Err()))
	}
	missing := state.ComputeMissing()

	reconstructed := map[string]crypto.KemPrivateKey{}
	if len(missing) > 0 {
		if err := state.Transition(PhaseAwaitingUnmask); err != nil {
			return nil, abort(roundID, AbortCancelled, err)
		}
		c.collectUnmaskShares(ctx, state, received)

		if err := state.Transition(PhaseReconstructing); err != nil {
			return nil, abort(roundID, AbortCancelled, err)
		}
		var abortErr *ProtocolAbortError
		reconstructed, abortErr = c.reconstruct(state, missing)
		if abortErr != nil {
			return nil, abortErr
		}
	}

	if err := state.Transition(PhaseAggregating); err != nil {
		return nil, abort(roundID, AbortCancelled, err)
	}

	sum, err := c.unmaskedSum(context.WithoutCancel(ctx), state, received, reconstructed)
	if err != nil {
		return nil, abort(roundID, AbortAggregationFailed, err)
	}
	aggregate, err := c.agg.Aggregate([]aggregator.Update{sum}, nil)
	if err != nil {
		return nil, abort(roundID, AbortAggregationFailed, err)
	}

	recovered := make([]string, 0, len(reconstructed))
	for id := range reconstructed {
		recovered = append(recovered, id)
	}
	slices.Sort(recovered)
	stillMissing := state.Absent()
	for _, id := range missing {
		if _, ok := reconstructed[id]; !ok {
			stillMissing = append(stillMissing, id)
		}
	}
	slices.Sort(stillMissing)

	result := &RoundResult{
		RoundID:       roundID,
		Aggregate:     aggregate,
		Received:      received,
		Missing:       nonNilStrings(stillMissing),
		Reconstructed: recovered,
	}

	if err := c.recordRound(state, result); err != nil {
		return nil, abort(roundID, AbortAuditFailed, err)
	}
	return result, nil
}

// fanOut runs call against every handle through a bounded worker pool.
func (c *Coordinator) fanOut(ctx context.Context, state *RoundState, handles []*ClientHandle, what string,
	call func(context.Context, *RoundState, *ClientHandle) error,
) {
	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrency)
	for _, h := range handles {
		g.Go(func() error {
			c.withRetries(ctx, state, h, what, call)
			return nil
		})
	}
	_ = g.Wait()
}

// withRetries makes up to MaxRetries bounded calls with backoff between them
// and counts a blacklist failure once they are exhausted.
func (c *Coordinator) withRetries(ctx context.Context, state *RoundState, h *ClientHandle, what string,
	call func(context.Context, *RoundState, *ClientHandle) error,
) {
	log := c.log.With("round", state.RoundID, "client", h.ID)
	if h.Client == nil {
		log.Warn("no transport for client")
		c.registry.RecordFailure(h.ID)
		return
	}

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		err := call(callCtx, state, h)
		cancel()
		if err == nil {
			return
		}
		log.Warn(what+" attempt failed", "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			// the round deadline ends collection without penalizing anyone
			return
		}
		if attempt < c.config.MaxRetries {
			if sleepContext(ctx, Backoff(c.config, attempt, c.jitter())) != nil {
				return
			}
		}
	}

	score, disabled := c.registry.RecordFailure(h.ID)
	log.Warn("client exhausted retries", "phase", what, "score", score, "disabled", disabled)
}

func (c *Coordinator) requestMaskKey(ctx context.Context, state *RoundState, h *ClientHandle) error {
	env, err := h.Client.RequestMaskKey(ctx, &KeyRequest{Round: state.RoundID, Participants: slices.Clone(state.Expected)})
	if err != nil {
		return err
	}
	if env == nil || env.Sender != h.ID {
		return fmt.Errorf("%w: envelope not from %s", ErrUnknownParticipant, h.ID)
	}

	res := Receive(ctx, c.receiver, env, h.channel(), func(_ context.Context, a *MaskKeyAdvert) error {
		if err := c.checkAdvert(state, h, a); err != nil {
			return err
		}
		state.PutAdvert(a)
		return nil
	})
	if !res.Accepted {
		return fmt.Errorf("%s: %w", res.Reason, res.Err)
	}
	return nil
}

// checkAdvert makes sure an advert carries exactly one share package for every
// other expected participant, all dealt by its sender for this round.
func (c *Coordinator) checkAdvert(state *RoundState, h *ClientHandle, a *MaskKeyAdvert) error {
	if a.Sender != h.ID {
		return fmt.Errorf("%w: advert claims sender %s", ErrUnknownParticipant, a.Sender)
	}
	if a.Round != state.RoundID {
		return fmt.Errorf("%w: got %d, want %d", ErrRoundMismatch, a.Round, state.RoundID)
	}
	if a.MaskKey == (crypto.KemPublicKey{}) {
		return errors.New("empty mask key")
	}
	if a.MaskKey == h.PublicKey {
		return errors.New("mask key reuses the registration key")
	}

	seen := make(map[string]bool, len(a.Shares))
	for _, pkg := range a.Shares {
		if pkg == nil || pkg.Share == nil {
			return errors.New("empty share package")
		}
		if pkg.Sender != h.ID || pkg.Round != state.RoundID {
			return fmt.Errorf("share package of %s for round %d in advert of %s", pkg.Sender, pkg.Round, h.ID)
		}
		if pkg.Recipient == h.ID || !slices.Contains(state.Expected, pkg.Recipient) || seen[pkg.Recipient] {
			return fmt.Errorf("unexpected share package for %s", pkg.Recipient)
		}
		seen[pkg.Recipient] = true
	}
	if len(seen) != len(state.Expected)-1 {
		return fmt.Errorf("advert of %s deals %d shares, want %d", h.ID, len(seen), len(state.Expected)-1)
	}
	return nil
}

func (c *Coordinator) requestUpdate(ctx context.Context, state *RoundState, h *ClientHandle) error {
	env, err := h.Client.RequestMaskedUpdate(ctx, state.UpdateRequest(h.ID))
	if err != nil {
		return err
	}
	if env == nil || env.Sender != h.ID {
		return fmt.Errorf("%w: envelope not from %s", ErrUnknownParticipant, h.ID)
	}

	res := Receive(ctx, c.receiver, env, h.channel(), func(ctx context.Context, u *MaskedUpdate) error {
		if err := c.checkUpdate(state, h, u); err != nil {
			return err
		}
		if err := c.shares.Put(ctx, c.runID, state.RoundID, h.ID, env.Payload); err != nil {
			return fmt.Errorf("store masked update: %w", err)
		}
		state.PutUpdate(u)
		return nil
	})
	if !res.Accepted {
		return fmt.Errorf("%s: %w", res.Reason, res.Err)
	}
	return nil
}

func (c *Coordinator) checkUpdate(state *RoundState, h *ClientHandle, u *MaskedUpdate) error {
	if u.Sender != h.ID {
		return fmt.Errorf("%w: update claims sender %s", ErrUnknownParticipant, u.Sender)
	}
	if u.Round != state.RoundID {
		return fmt.Errorf("%w: got %d, want %d", ErrRoundMismatch, u.Round, state.RoundID)
	}
	if _, ok := state.MaskKey(u.Sender); !ok {
		return fmt.Errorf("%s advertised no mask key in round %d", u.Sender, state.RoundID)
	}
	schema := c.registry.Schema()
	sizes := schema.Sizes()
	if len(u.Params) != len(schema) {
		return fmt.Errorf("%w: %d parameters, want %d", ErrSchemaMismatch, len(u.Params), len(schema))
	}
	for name, p := range u.Params {
		shape, ok := schema[name]
		if !ok {
			return fmt.Errorf("%w: unexpected parameter %q", ErrSchemaMismatch, name)
		}
		if !slices.Equal(shape, p.Shape) || len(p.Data) != sizes[name] {
			return fmt.Errorf("%w: parameter %q shape %v", ErrSchemaMismatch, name, p.Shape)
		}
		for _, x := range p.Data {
			if x >= crypto.MaskFieldOrder {
				return fmt.Errorf("%w: parameter %q has unreduced element", ErrSchemaMismatch, name)
			}
		}
	}
	return nil
}

// collectUnmaskShares asks every responsive participant for its shares of the
// missing participants' round keys, waiting at most UnmaskTimeout.
func (c *Coordinator) collectUnmaskShares(ctx context.Context, state *RoundState, alive []string) {
	ctx, cancel := context.WithTimeout(ctx, c.config.UnmaskTimeout)
	defer cancel()

	req := &UnmaskRequest{Round: state.RoundID, MissingClients: state.Missing()}
	c.log.Info("requesting unmask shares", "round", state.RoundID, "missing", req.MissingClients, "responders", len(alive))

	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrency)
	for _, id := range alive {
		h, ok := c.registry.Get(id)
		if !ok || h.Client == nil {
			continue
		}
		g.Go(func() error {
			env, err := h.Client.RequestUnmaskShares(ctx, req)
			if err != nil {
				c.log.Warn("unmask request failed", "round", state.RoundID, "client", id, "err", err)
				return nil
			}
			if env == nil || env.Sender != h.ID {
				c.log.Warn("unmask response from wrong sender", "round", state.RoundID, "client", id)
				return nil
			}
			res := Receive(ctx, c.receiver, env, h.channel(), func(_ context.Context, resp *UnmaskResponse) error {
				return c.acceptUnmaskResponse(state, h, resp)
			})
			if !res.Accepted {
				c.log.Warn("unmask response rejected", "round", state.RoundID, "client", id, "reason", res.Reason)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// acceptUnmaskResponse verifies every share against its dealer's share key and
// rejects the whole response on the first bad one.
func (c *Coordinator) acceptUnmaskResponse(state *RoundState, h *ClientHandle, resp *UnmaskResponse) error {
	if resp.Sender != h.ID || resp.Round != state.RoundID {
		return fmt.Errorf("%w: unmask response for round %d from %s", ErrRoundMismatch, resp.Round, resp.Sender)
	}
	for _, share := range resp.Shares {
		if share.Sender != h.ID {
			return fmt.Errorf("share relayed on behalf of %s", share.Sender)
		}
		if !state.IsMissing(share.MissingClient) {
			return fmt.Errorf("share for %s which is not missing", share.MissingClient)
		}
		dealer, ok := c.registry.Get(share.MissingClient)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, share.MissingClient)
		}
		if share.Share.Index != h.ShareIndex {
			return fmt.Errorf("share index %d does not belong to %s", share.Share.Index, h.ID)
		}
		if !crypto.VerifyShareMAC(dealer.shareKey, share.Share.Index, share.Share.Value, share.Share.MAC) {
			return &crypto.CryptographicError{Op: "verify unmask share", Err: crypto.ErrShareMAC}
		}
	}
	for _, share := range resp.Shares {
		state.AddUnmaskShare(share)
	}
	return nil
}

// reconstruct recovers the round mask key of every missing participant that
// has at least Threshold shares. Participants below threshold stay missing.
// Only keys of this round are ever recovered; registration keys are never shared.
func (c *Coordinator) reconstruct(state *RoundState, missing []string) (map[string]crypto.KemPrivateKey, *ProtocolAbortError) {
	roster, ok := c.registry.SealedRoster()
	if !ok {
		return nil, abort(state.RoundID, AbortReconstructionInvalid, errors.New("roster not sealed"))
	}

	out := make(map[string]crypto.KemPrivateKey)
	for _, id := range missing {
		shares := state.SharesFor(id)
		if len(shares) < state.Threshold {
			c.log.Warn("cannot reconstruct dropped client", "round", state.RoundID, "client", id,
				"shares", len(shares), "threshold", state.Threshold, "reason", AbortInsufficientShares)
			continue
		}

		dealer, ok := c.registry.Get(id)
		if !ok {
			return nil, abort(state.RoundID, AbortReconstructionInvalid, fmt.Errorf("%w: %s", ErrUnknownParticipant, id))
		}
		maskKey, ok := state.MaskKey(id)
		if !ok {
			return nil, abort(state.RoundID, AbortReconstructionInvalid, fmt.Errorf("%s advertised no mask key", id))
		}
		pkg := make(crypto.SharePackage, len(shares))
		for _, s := range shares {
			pkg[s.Share.Index] = crypto.AuthenticatedShare{Value: s.Share.Value, MAC: s.Share.MAC}
		}
		valid, err := crypto.ValidatePackage(dealer.shareKey, pkg, len(roster.Members))
		if err != nil {
			return nil, abort(state.RoundID, AbortReconstructionInvalid, err)
		}

		raw, err := crypto.ReconstructBytes(valid, len(crypto.KemPrivateKey{}))
		if err != nil {
			return nil, abort(state.RoundID, AbortReconstructionInvalid, err)
		}
		priv, err := crypto.ParseKemPrivateKey(raw)
		if err != nil {
			return nil, abort(state.RoundID, AbortReconstructionInvalid, err)
		}
		pub, err := priv.PublicKey()
		if err != nil || pub != maskKey {
			return nil, abort(state.RoundID, AbortReconstructionInvalid, fmt.Errorf("reconstructed key of %s does not match its mask key", id))
		}

		c.log.Info("reconstructed dropped client", "round", state.RoundID, "client", id, "key", crypto.Redact(raw))
		out[id] = priv
	}
	return out, nil
}

// unmaskedSum adds the masked updates persisted for the round and strips the
// masks that every alive participant shares with a reconstructed dropped one.
func (c *Coordinator) unmaskedSum(ctx context.Context, state *RoundState, alive []string, reconstructed map[string]crypto.KemPrivateKey) (aggregator.Update, error) {
	stored, err := c.shares.GetAll(ctx, c.runID, state.RoundID)
	if err != nil {
		return nil, fmt.Errorf("load masked updates: %w", err)
	}
	if len(stored) != len(alive) {
		return nil, fmt.Errorf("%d masked updates stored, %d received", len(stored), len(alive))
	}

	sizes := c.registry.Schema().Sizes()
	sum := make(map[string][]uint64, len(sizes))
	for name, size := range sizes {
		sum[name] = make([]uint64, size)
	}
	for _, id := range alive {
		payload, ok := stored[id]
		if !ok {
			return nil, fmt.Errorf("no stored masked update of %s", id)
		}
		u, err := UnmarshalMessage[MaskedUpdate](payload)
		if err != nil {
			return nil, fmt.Errorf("stored masked update of %s: %w", id, err)
		}
		for name, p := range u.Params {
			if _, ok := sum[name]; !ok || len(p.Data) != sizes[name] {
				return nil, fmt.Errorf("%w: stored parameter %q of %s", ErrSchemaMismatch, name, id)
			}
			crypto.VectorAddInplace(sum[name], p.Data)
		}
	}

	for droppedID, droppedKey := range reconstructed {
		for _, aliveID := range alive {
			peerKey, ok := state.MaskKey(aliveID)
			if !ok {
				return nil, fmt.Errorf("%s advertised no mask key", aliveID)
			}
			seed, err := crypto.DeriveSharedSecret(droppedKey, peerKey, crypto.PairLabel("mask", state.RoundID, droppedID, aliveID))
			if err != nil {
				return nil, err
			}
			masks, err := c.masks.MaskForSchema(seed, sizes)
			if err != nil {
				return nil, err
			}
			for name, mask := range masks {
				// the alive participant applied MaskSign(alive, dropped) * mask; undo it
				if crypto.MaskSign(aliveID, droppedID) > 0 {
					crypto.VectorSubInplace(sum[name], mask)
				} else {
					crypto.VectorAddInplace(sum[name], mask)
				}
			}
		}
	}

	out := make(aggregator.Update, len(sum))
	for name, vec := range sum {
		values := make([]float64, len(vec))
		for i, x := range vec {
			values[i] = crypto.DecodeFixedPoint(x, c.config.FixedPointBits)
		}
		out[name] = values
	}
	return out, nil
}

func (c *Coordinator) recordRound(state *RoundState, result *RoundResult) error {
	sampleRates := make(map[string]float64)
	for _, u := range state.Updates() {
		if u.SampleRate > 0 {
			sampleRates[u.Sender] = u.SampleRate
		}
	}
	return c.recorder.RecordRound(audit.RoundRecord{
		RoundID:           result.RoundID,
		Participants:      result.Received,
		ParticipationRate: float64(len(result.Received)) / float64(len(state.Expected)),
		SampleRates:       sampleRates,
		PrivacyParams:     c.config.PrivacyParams,
		Extra: map[string]any{
			"run":           c.runID,
			"expected":      state.Expected,
			"advertised":    state.MaskSet(),
			"missing":       result.Missing,
			"reconstructed": result.Reconstructed,
			"method":        string(c.agg.Method()),
			"expander":      string(c.masks.Kind()),
		},
	})
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
