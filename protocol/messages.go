package protocol

import (
	"fmt"
	"math/big"
	"slices"

	"github.com/flashbots/secagg/crypto"
)

// ParamSchema maps parameter name to its row-major shape.
type ParamSchema map[string][]int

// Sizes returns the element count of every parameter.
func (s ParamSchema) Sizes() map[string]int {
	sizes := make(map[string]int, len(s))
	for name, shape := range s {
		n := 1
		for _, d := range shape {
			n *= d
		}
		sizes[name] = n
	}
	return sizes
}

// Names returns parameter names in sorted order.
func (s ParamSchema) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Equal reports whether both schemas declare the same parameters with the same shapes.
func (s ParamSchema) Equal(other ParamSchema) bool {
	if len(s) != len(other) {
		return false
	}
	for name, shape := range s {
		if !slices.Equal(shape, other[name]) {
			return false
		}
	}
	return true
}

// Validate checks that every shape is non-empty with positive dimensions.
func (s ParamSchema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty schema", ErrSchemaMismatch)
	}
	for name, shape := range s {
		if len(shape) == 0 {
			return fmt.Errorf("%w: parameter %q has no shape", ErrSchemaMismatch, name)
		}
		for _, d := range shape {
			if d <= 0 {
				return fmt.Errorf("%w: parameter %q has dimension %d", ErrSchemaMismatch, name, d)
			}
		}
	}
	return nil
}

// FieldParam is one named array of field elements with its shape carried alongside.
type FieldParam struct {
	Shape []int    `json:"shape"`
	Data  []uint64 `json:"data"`
}

// RegisterClient announces a participant and its key-agreement public key.
// It travels inside Signed so the key is bound to the participant's identity.
type RegisterClient struct {
	ClientID    string              `json:"client_id"`
	ParamShapes ParamSchema         `json:"param_shapes"`
	PublicKey   crypto.KemPublicKey `json:"public_key"`

	// Endpoint is where the coordinator reaches the participant, empty for in-process clients.
	Endpoint string `json:"endpoint,omitempty"`
}

// RosterEntry is one registered participant as seen by its peers.
type RosterEntry struct {
	ClientID   string              `json:"client_id"`
	PublicKey  crypto.KemPublicKey `json:"public_key"`
	ShareIndex int                 `json:"share_index"`
}

// Roster fixes the session membership, share indices and reconstruction threshold.
type Roster struct {
	Threshold      int                 `json:"threshold"`
	Schema         ParamSchema         `json:"schema"`
	Members        []RosterEntry       `json:"members"`
	CoordinatorKey crypto.KemPublicKey `json:"coordinator_key"`
}

// Member returns the roster entry for id.
func (r *Roster) Member(id string) (RosterEntry, bool) {
	for _, m := range r.Members {
		if m.ClientID == id {
			return m, true
		}
	}
	return RosterEntry{}, false
}

// KeyRequest opens a round: every participant answers with a fresh mask key.
// Participants lists the clients the mask key shares are dealt to.
type KeyRequest struct {
	Round        uint64   `json:"round"`
	Participants []string `json:"participants"`
}

// MaskKeyAdvert announces a participant's mask key for one round together with
// one encrypted share of its private half per peer.
type MaskKeyAdvert struct {
	Sender  string              `json:"sender"`
	Round   uint64              `json:"round"`
	MaskKey crypto.KemPublicKey `json:"mask_key"`
	Shares  []*SharePackage     `json:"shares"`
}

// UpdateRequest asks a participant for its masked contribution to a round.
// Participants lists every client whose pairwise masks the update must carry,
// MaskKeys their advertised keys, and Shares the packages dealt to the recipient.
type UpdateRequest struct {
	Round        uint64                         `json:"round"`
	Participants []string                       `json:"participants"`
	MaskKeys     map[string]crypto.KemPublicKey `json:"mask_keys"`
	Shares       []*SharePackage                `json:"shares"`
}

// MaskedUpdate is a participant's contribution with all pairwise masks applied.
type MaskedUpdate struct {
	Sender     string                `json:"sender"`
	Round      uint64                `json:"round"`
	Params     map[string]FieldParam `json:"params"`
	SampleRate float64               `json:"sample_rate,omitempty"`
}

// ShareEntry is a Shamir share of the dealer's round mask key,
// authenticated under the dealer's share key, known only to the dealer and the coordinator.
type ShareEntry struct {
	Index int      `json:"index"`
	Value *big.Int `json:"value"`
	MAC   []byte   `json:"mac"`
}

// RoundShare is the plaintext of a SharePackage. It binds the share to the
// round and to the mask key it is a share of.
type RoundShare struct {
	Round   uint64              `json:"round"`
	MaskKey crypto.KemPublicKey `json:"mask_key"`
	Share   ShareEntry          `json:"share"`
}

// SharePackage carries one share from its dealer to one recipient, encrypted under their pairwise key.
// The coordinator relays it without being able to read it.
type SharePackage struct {
	Sender    string                   `json:"sender"`
	Recipient string                   `json:"recipient"`
	Round     uint64                   `json:"round"`
	Share     *crypto.EncryptedMessage `json:"share"`
}

// UnmaskRequest asks surviving participants for their shares of dropped participants' round keys.
type UnmaskRequest struct {
	Round          uint64   `json:"round"`
	MissingClients []string `json:"missing_clients"`
}

// UnmaskShare returns the share a participant holds for one missing participant.
type UnmaskShare struct {
	Sender        string     `json:"sender"`
	MissingClient string     `json:"missing_client"`
	Share         ShareEntry `json:"share"`
}

// UnmaskResponse bundles every share a participant returns for one request.
type UnmaskResponse struct {
	Sender string        `json:"sender"`
	Round  uint64        `json:"round"`
	Shares []UnmaskShare `json:"shares"`
}
