package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/flashbots/secagg/crypto"
	"go.uber.org/atomic"
)

// Participant is the client side of the protocol: every round it advertises a
// fresh mask key with shares of it dealt to its peers, masks its contribution
// and answers unmask requests.
type Participant struct {
	id             string
	identity       crypto.PrivateKey
	kemPub         crypto.KemPublicKey
	kemPriv        crypto.KemPrivateKey
	coordinatorKey crypto.KemPublicKey
	channelKey     crypto.SharedKey
	shareKey       crypto.SharedKey
	schema         ParamSchema
	masks          *crypto.MaskGenerator
	fixedPointBits int
	endpoint       string

	seq atomic.Uint64

	mu     sync.Mutex
	roster *Roster
	keys   *roundKeys
}

// roundKeys is the secret state of the latest advertised round.
// It is replaced when the next round is advertised.
type roundKeys struct {
	round uint64
	pub   crypto.KemPublicKey
	priv  crypto.KemPrivateKey

	// set by the first masked update of the round
	maskSet []string
	held    map[string]ShareEntry // peer id -> share we hold of its round key
}

// NewParticipant generates fresh identity and key-agreement keys for id.
func NewParticipant(id string, schema ParamSchema, coordinatorKey crypto.KemPublicKey, config *SecAggConfig) (*Participant, error) {
	if id == "" {
		return nil, errors.New("empty participant id")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	_, identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kemPub, kemPriv, err := crypto.GenerateKemKeyPair()
	if err != nil {
		return nil, err
	}
	channelKey, err := ChannelKey(kemPriv, coordinatorKey, id)
	if err != nil {
		return nil, err
	}
	shareKey, err := ShareKey(kemPriv, coordinatorKey, id)
	if err != nil {
		return nil, err
	}
	expander, err := crypto.NewExpander(config.Expander)
	if err != nil {
		return nil, err
	}

	return &Participant{
		id:             id,
		identity:       identity,
		kemPub:         kemPub,
		kemPriv:        kemPriv,
		coordinatorKey: coordinatorKey,
		channelKey:     channelKey,
		shareKey:       shareKey,
		schema:         schema,
		masks:          crypto.NewMaskGenerator(expander),
		fixedPointBits: config.FixedPointBits,
	}, nil
}

func (p *Participant) ID() string {
	return p.id
}

func (p *Participant) PublicKey() crypto.KemPublicKey {
	return p.kemPub
}

// nextSequence returns a fresh, strictly increasing sequence number.
func (p *Participant) nextSequence() uint64 {
	return p.seq.Inc()
}

// SetEndpoint sets the address announced in the registration.
func (p *Participant) SetEndpoint(endpoint string) {
	p.endpoint = endpoint
}

// Registration returns the signed registration message.
func (p *Participant) Registration() (*Signed[RegisterClient], error) {
	return NewSigned(p.identity, &RegisterClient{
		ClientID:    p.id,
		ParamShapes: p.schema,
		PublicKey:   p.kemPub,
		Endpoint:    p.endpoint,
	})
}

// SetRoster checks the sealed roster against this participant's own view of
// the session and adopts it.
func (p *Participant) SetRoster(roster *Roster) error {
	self, ok := roster.Member(p.id)
	if !ok {
		return fmt.Errorf("%s is not in the roster", p.id)
	}
	if self.PublicKey != p.kemPub {
		return errors.New("roster carries a different key for this participant")
	}
	if roster.CoordinatorKey != p.coordinatorKey {
		return errors.New("roster signed for a different coordinator")
	}
	if !roster.Schema.Equal(p.schema) {
		return ErrSchemaMismatch
	}
	if roster.Threshold < 1 || roster.Threshold > len(roster.Members) {
		return fmt.Errorf("roster threshold %d outside 1..%d", roster.Threshold, len(roster.Members))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster = roster
	return nil
}

func (p *Participant) currentRoster() (*Roster, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.roster == nil {
		return nil, errors.New("no roster yet")
	}
	return p.roster, nil
}

// pairKey derives the key under which two roster members exchange shares for one round.
func (p *Participant) pairKey(peer RosterEntry, round uint64) (crypto.SharedKey, error) {
	return crypto.DeriveSharedSecret(p.kemPriv, peer.PublicKey, crypto.PairLabel("share-enc", round, p.id, peer.ClientID))
}

func shareAD(sender, recipient string, round uint64) []byte {
	return fmt.Appendf(nil, "%s|%s|%d", sender, recipient, round)
}

// AdvertiseMaskKey generates the mask key for req.Round, splits its private half
// t-of-n over the roster and returns the sealed advert carrying one encrypted
// share per requested peer. A repeated request for the same round re-keys, as
// long as no masked update has been produced for it.
func (p *Participant) AdvertiseMaskKey(req *KeyRequest) (*Envelope, error) {
	roster, err := p.currentRoster()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(req.Participants, p.id) {
		return nil, fmt.Errorf("%s is not expected in round %d", p.id, req.Round)
	}

	p.mu.Lock()
	prev := p.keys
	p.mu.Unlock()
	if prev != nil && (req.Round < prev.round || (req.Round == prev.round && prev.maskSet != nil)) {
		return nil, fmt.Errorf("round %d is already past mask key exchange", req.Round)
	}

	pub, priv, err := crypto.GenerateKemKeyPair()
	if err != nil {
		return nil, err
	}
	shares, err := crypto.SplitBytes(priv[:], len(roster.Members), roster.Threshold)
	if err != nil {
		return nil, err
	}
	authenticated, err := crypto.PackageShares(p.shareKey, shares)
	if err != nil {
		return nil, err
	}

	advert := &MaskKeyAdvert{Sender: p.id, Round: req.Round, MaskKey: pub}
	for _, peerID := range req.Participants {
		if peerID == p.id {
			continue
		}
		peer, ok := roster.Member(peerID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, peerID)
		}
		entry, ok := authenticated[peer.ShareIndex]
		if !ok {
			return nil, fmt.Errorf("no share for index %d", peer.ShareIndex)
		}
		plaintext, err := json.Marshal(&RoundShare{
			Round:   req.Round,
			MaskKey: pub,
			Share:   ShareEntry{Index: peer.ShareIndex, Value: entry.Value, MAC: entry.MAC},
		})
		if err != nil {
			return nil, err
		}
		key, err := p.pairKey(peer, req.Round)
		if err != nil {
			return nil, err
		}
		sealed, err := crypto.Encrypt(key, plaintext, shareAD(p.id, peerID, req.Round))
		if err != nil {
			return nil, err
		}
		advert.Shares = append(advert.Shares, &SharePackage{
			Sender:    p.id,
			Recipient: peerID,
			Round:     req.Round,
			Share:     sealed,
		})
	}

	p.mu.Lock()
	p.keys = &roundKeys{round: req.Round, pub: pub, priv: priv}
	p.mu.Unlock()

	return Seal(p.id, p.channelKey, p.nextSequence(), advert)
}

// MaskKey returns the mask key advertised for round, if it is the current one.
func (p *Participant) MaskKey(round uint64) (crypto.KemPublicKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keys == nil || p.keys.round != round {
		return crypto.KemPublicKey{}, false
	}
	return p.keys.pub, true
}

// openShare decrypts the package pkg dealt to this participant and checks
// that it is a share of maskKey for round.
func (p *Participant) openShare(roster *Roster, pkg *SharePackage, round uint64, maskKey crypto.KemPublicKey) (ShareEntry, error) {
	if pkg.Recipient != p.id || pkg.Round != round || pkg.Share == nil {
		return ShareEntry{}, fmt.Errorf("package from %s is not for %s in round %d", pkg.Sender, p.id, round)
	}
	dealer, ok := roster.Member(pkg.Sender)
	if !ok {
		return ShareEntry{}, fmt.Errorf("%w: dealer %s", ErrUnknownParticipant, pkg.Sender)
	}
	self, _ := roster.Member(p.id)

	key, err := p.pairKey(dealer, round)
	if err != nil {
		return ShareEntry{}, err
	}
	plaintext, err := crypto.Decrypt(key, pkg.Share, shareAD(pkg.Sender, p.id, round))
	if err != nil {
		return ShareEntry{}, err
	}
	rs, err := UnmarshalMessage[RoundShare](plaintext)
	if err != nil {
		return ShareEntry{}, err
	}
	if rs.Round != round || rs.MaskKey != maskKey {
		return ShareEntry{}, fmt.Errorf("mask key of %s does not match the key it dealt shares of", pkg.Sender)
	}
	if rs.Share.Index != self.ShareIndex || rs.Share.Value == nil {
		return ShareEntry{}, fmt.Errorf("share from %s has index %d, want %d", pkg.Sender, rs.Share.Index, self.ShareIndex)
	}
	return rs.Share, nil
}

// HeldShares returns how many peers' shares this participant holds for round.
func (p *Participant) HeldShares(round uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keys == nil || p.keys.round != round {
		return 0
	}
	return len(p.keys.held)
}

// MaskedUpdate encodes values into the field, applies one pairwise mask per
// other member of the round's mask set and seals the result.
//
// The peers' mask keys are only trusted when the share package each of them
// dealt to this participant opens under the pairwise key and names the same
// mask key. The mask set is fixed by the first request of a round.
func (p *Participant) MaskedUpdate(req *UpdateRequest, values map[string][]float64, sampleRate float64) (*Envelope, error) {
	if !slices.Contains(req.Participants, p.id) {
		return nil, fmt.Errorf("%s is not expected in round %d", p.id, req.Round)
	}
	roster, err := p.currentRoster()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	keys := p.keys
	p.mu.Unlock()
	if keys == nil || keys.round != req.Round {
		return nil, fmt.Errorf("no mask key advertised for round %d", req.Round)
	}
	if req.MaskKeys[p.id] != keys.pub {
		return nil, fmt.Errorf("round %d carries a different mask key for %s", req.Round, p.id)
	}
	maskSet := slices.Sorted(slices.Values(req.Participants))
	if keys.maskSet != nil && !slices.Equal(keys.maskSet, maskSet) {
		return nil, fmt.Errorf("mask set of round %d changed between requests", req.Round)
	}

	packages := make(map[string]*SharePackage, len(req.Shares))
	for _, pkg := range req.Shares {
		if pkg != nil {
			packages[pkg.Sender] = pkg
		}
	}
	held := make(map[string]ShareEntry, len(maskSet)-1)
	for _, peerID := range maskSet {
		if peerID == p.id {
			continue
		}
		maskKey, ok := req.MaskKeys[peerID]
		if !ok {
			return nil, fmt.Errorf("no mask key for %s", peerID)
		}
		pkg, ok := packages[peerID]
		if !ok {
			return nil, fmt.Errorf("no share dealt by %s", peerID)
		}
		entry, err := p.openShare(roster, pkg, req.Round, maskKey)
		if err != nil {
			return nil, err
		}
		held[peerID] = entry
	}

	sizes := p.schema.Sizes()
	params := make(map[string]FieldParam, len(p.schema))
	for name, shape := range p.schema {
		vs, ok := values[name]
		if !ok || len(vs) != sizes[name] {
			return nil, fmt.Errorf("%w: parameter %q", ErrSchemaMismatch, name)
		}
		data := make([]uint64, len(vs))
		for i, v := range vs {
			x, err := crypto.EncodeFixedPoint(v, p.fixedPointBits)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
			data[i] = x
		}
		params[name] = FieldParam{Shape: slices.Clone(shape), Data: data}
	}
	if len(values) != len(p.schema) {
		return nil, fmt.Errorf("%w: %d parameters, want %d", ErrSchemaMismatch, len(values), len(p.schema))
	}

	for _, peerID := range maskSet {
		if peerID == p.id {
			continue
		}
		seed, err := crypto.DeriveSharedSecret(keys.priv, req.MaskKeys[peerID], crypto.PairLabel("mask", req.Round, p.id, peerID))
		if err != nil {
			return nil, err
		}
		masks, err := p.masks.MaskForSchema(seed, sizes)
		if err != nil {
			return nil, err
		}
		add := crypto.MaskSign(p.id, peerID) > 0
		for name, mask := range masks {
			if add {
				crypto.VectorAddInplace(params[name].Data, mask)
			} else {
				crypto.VectorSubInplace(params[name].Data, mask)
			}
		}
	}

	p.mu.Lock()
	if p.keys == keys {
		keys.maskSet = maskSet
		keys.held = held
	}
	p.mu.Unlock()

	return Seal(p.id, p.channelKey, p.nextSequence(), &MaskedUpdate{
		Sender:     p.id,
		Round:      req.Round,
		Params:     params,
		SampleRate: sampleRate,
	})
}

// UnmaskShares returns the shares this participant holds of the requested
// missing peers' round keys. It only answers for a round it contributed to and
// never reveals a share of its own key.
func (p *Participant) UnmaskShares(req *UnmaskRequest) (*Envelope, error) {
	p.mu.Lock()
	keys := p.keys
	if keys == nil || keys.round != req.Round || keys.maskSet == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s sent no masked update in round %d", p.id, req.Round)
	}
	resp := &UnmaskResponse{Sender: p.id, Round: req.Round}
	for _, missing := range req.MissingClients {
		if missing == p.id {
			continue
		}
		entry, ok := keys.held[missing]
		if !ok {
			continue
		}
		resp.Shares = append(resp.Shares, UnmaskShare{
			Sender:        p.id,
			MissingClient: missing,
			Share: ShareEntry{
				Index: entry.Index,
				Value: new(big.Int).Set(entry.Value),
				MAC:   slices.Clone(entry.MAC),
			},
		})
	}
	p.mu.Unlock()

	return Seal(p.id, p.channelKey, p.nextSequence(), resp)
}
