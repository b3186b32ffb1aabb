package services

import (
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// SessionResponse is everything a participant needs before it can register.
type SessionResponse struct {
	Config         *protocol.SecAggConfig `json:"config"`
	Schema         protocol.ParamSchema   `json:"schema"`
	CoordinatorKey crypto.KemPublicKey    `json:"coordinator_key"`
}

// RegistrationResponse confirms a participant registration.
type RegistrationResponse struct {
	Success   bool   `json:"success"`
	ClientID  string `json:"client_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RosterResponse carries the sealed session roster.
type RosterResponse struct {
	Roster *protocol.Roster `json:"roster"`
}

// RoundResponse reports a finished round, either its result or its abort reason.
type RoundResponse struct {
	Round       uint64                `json:"round"`
	Result      *protocol.RoundResult `json:"result,omitempty"`
	AbortReason protocol.AbortReason  `json:"abort_reason,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// AuditVerifyResponse reports the integrity of the coordinator's audit log.
type AuditVerifyResponse struct {
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
}

// ClientStatus is the coordinator's public view of one participant.
type ClientStatus struct {
	ClientID       string `json:"client_id"`
	PublicKey      string `json:"public_key"`
	ShareIndex     int    `json:"share_index,omitempty"`
	Approved       bool   `json:"approved"`
	BlacklistScore int    `json:"blacklist_score"`
}

// ClientListResponse lists every registered participant.
type ClientListResponse struct {
	Clients []ClientStatus `json:"clients"`
}

func newRoundResponse(outcome protocol.Outcome) *RoundResponse {
	if outcome.Abort != nil {
		resp := &RoundResponse{
			Round:       outcome.Abort.Round,
			AbortReason: outcome.Abort.Reason,
		}
		if outcome.Abort.Err != nil {
			resp.Message = outcome.Abort.Err.Error()
		}
		return resp
	}
	return &RoundResponse{Round: outcome.Result.RoundID, Result: outcome.Result}
}
