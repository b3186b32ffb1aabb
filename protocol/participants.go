package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/flashbots/secagg/crypto"
)

// ChannelKey derives the key that authenticates a participant's messages to the coordinator.
func ChannelKey(priv crypto.KemPrivateKey, pub crypto.KemPublicKey, clientID string) (crypto.SharedKey, error) {
	return crypto.DeriveSharedSecret(priv, pub, []byte("channel/"+clientID))
}

// ShareKey derives the key under which a dealer authenticates the shares of its private key.
// Only the dealer and the coordinator know it, so share holders cannot alter shares.
func ShareKey(priv crypto.KemPrivateKey, pub crypto.KemPublicKey, clientID string) (crypto.SharedKey, error) {
	return crypto.DeriveSharedSecret(priv, pub, []byte("share-mac/"+clientID))
}

// StreamID names the sequence stream of one registration. A participant that
// restarts registers a fresh key and so counts its sequence numbers from
// scratch without colliding with what a durable store kept of the old one.
func StreamID(clientID string, pub crypto.KemPublicKey) string {
	return clientID + "/" + hex.EncodeToString(pub[:8])
}

// ClientHandle is the coordinator's record of one registered participant.
type ClientHandle struct {
	ID         string
	Identity   crypto.PublicKey
	PublicKey  crypto.KemPublicKey
	Schema     ParamSchema
	Client     ParticipantClient
	ShareIndex int

	channelKey crypto.SharedKey
	shareKey   crypto.SharedKey

	blacklistScore int
	approved       bool
}

// channel returns the authenticated stream the participant's messages arrive on.
func (h *ClientHandle) channel() Channel {
	return Channel{Stream: StreamID(h.ID, h.PublicKey), Key: h.channelKey}
}

// Registry tracks registered participants, their keys and blacklist scores.
// Membership is fixed once the roster is sealed, since share indices are assigned against it.
type Registry struct {
	mu             sync.RWMutex
	coordinatorKey crypto.KemPrivateKey
	coordinatorPub crypto.KemPublicKey
	schema         ParamSchema
	threshold      func(n int) int
	blacklistAt    int
	clients        map[string]*ClientHandle
	roster         *Roster
	log            *slog.Logger
}

// NewRegistry creates a registry for one session schema.
func NewRegistry(coordinatorKey crypto.KemPrivateKey, schema ParamSchema, config *SecAggConfig, log *slog.Logger) (*Registry, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	pub, err := coordinatorKey.PublicKey()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		coordinatorKey: coordinatorKey,
		coordinatorPub: pub,
		schema:         schema,
		threshold:      config.Threshold,
		blacklistAt:    config.BlacklistThreshold,
		clients:        make(map[string]*ClientHandle),
		log:            log,
	}, nil
}

// CoordinatorKey returns the coordinator's key-agreement public key.
func (r *Registry) CoordinatorKey() crypto.KemPublicKey {
	return r.coordinatorPub
}

// Schema returns the session schema.
func (r *Registry) Schema() ParamSchema {
	return r.schema
}

// Register verifies a signed registration and records the participant.
// Re-registering an id is only accepted with the same identity and key, to update the client handle.
func (r *Registry) Register(signed *Signed[RegisterClient], client ParticipantClient) (*ClientHandle, error) {
	reg, identity, err := signed.Recover()
	if err != nil {
		return nil, err
	}
	if reg.ClientID == "" {
		return nil, errors.New("empty client id")
	}
	if !reg.ParamShapes.Equal(r.schema) {
		return nil, fmt.Errorf("%w: client %s", ErrSchemaMismatch, reg.ClientID)
	}

	channelKey, err := ChannelKey(r.coordinatorKey, reg.PublicKey, reg.ClientID)
	if err != nil {
		return nil, err
	}
	shareKey, err := ShareKey(r.coordinatorKey, reg.PublicKey, reg.ClientID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[reg.ClientID]; ok {
		if !existing.Identity.Equal(identity) || existing.PublicKey != reg.PublicKey {
			return nil, fmt.Errorf("client %s already registered with different keys", reg.ClientID)
		}
		if client != nil {
			existing.Client = client
		}
		return existing, nil
	}
	if r.roster != nil {
		return nil, errors.New("roster is sealed")
	}

	h := &ClientHandle{
		ID:         reg.ClientID,
		Identity:   identity,
		PublicKey:  reg.PublicKey,
		Schema:     reg.ParamShapes,
		Client:     client,
		channelKey: channelKey,
		shareKey:   shareKey,
		approved:   true,
	}
	r.clients[h.ID] = h
	r.log.Info("registered client", "client", h.ID, "public_key", h.PublicKey.String())
	return h, nil
}

// Roster seals membership on first call and returns the fixed roster.
func (r *Registry) Roster() (*Roster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roster != nil {
		return r.roster, nil
	}
	if len(r.clients) == 0 {
		return nil, errors.New("no registered clients")
	}

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	roster := &Roster{
		Threshold:      r.threshold(len(ids)),
		Schema:         r.schema,
		CoordinatorKey: r.coordinatorPub,
	}
	for i, id := range ids {
		h := r.clients[id]
		h.ShareIndex = i + 1
		roster.Members = append(roster.Members, RosterEntry{
			ClientID:   id,
			PublicKey:  h.PublicKey,
			ShareIndex: h.ShareIndex,
		})
	}
	r.roster = roster
	r.log.Info("sealed roster", "clients", len(ids), "threshold", roster.Threshold)
	return roster, nil
}

// SealedRoster returns the roster if membership has been sealed.
func (r *Registry) SealedRoster() (*Roster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roster, r.roster != nil
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (*ClientHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.clients[id]
	return h, ok
}

// Approved returns all participants that are not blacklisted, sorted by id.
func (r *Registry) Approved() []*ClientHandle {
	return r.filter(func(h *ClientHandle) bool { return h.approved })
}

// All returns every registered participant, sorted by id.
func (r *Registry) All() []*ClientHandle {
	return r.filter(func(*ClientHandle) bool { return true })
}

func (r *Registry) filter(keep func(*ClientHandle) bool) []*ClientHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientHandle, 0, len(r.clients))
	for _, h := range r.clients {
		if keep(h) {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b *ClientHandle) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// IsApproved reports whether id is registered and not blacklisted.
func (r *Registry) IsApproved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.clients[id]
	return ok && h.approved
}

// RecordFailure bumps the blacklist score of id and disables it once the threshold is reached.
// It returns the new score and whether the participant is now disabled.
func (r *Registry) RecordFailure(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.clients[id]
	if !ok {
		return 0, false
	}
	h.blacklistScore++
	if h.approved && h.blacklistScore >= r.blacklistAt {
		h.approved = false
		r.log.Warn("client blacklisted", "client", id, "score", h.blacklistScore)
	}
	return h.blacklistScore, !h.approved
}

// BlacklistScore returns the current failure score of id.
func (r *Registry) BlacklistScore(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.clients[id]; ok {
		return h.blacklistScore
	}
	return 0
}
