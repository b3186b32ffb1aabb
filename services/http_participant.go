package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// ParticipantConfig configures the participant HTTP service.
type ParticipantConfig struct {
	// CoordinatorURL is the base URL of the coordinator API.
	CoordinatorURL string

	// RosterPollInterval is how often WaitForRoster asks for the sealed roster.
	RosterPollInterval time.Duration

	HTTPClient *http.Client
	Log        *slog.Logger
}

// HTTPParticipant serves a protocol participant over HTTP and drives its
// session setup against a remote coordinator.
//
// Routes:
//   - POST /mask-key - fresh round mask key and its dealt shares
//   - POST /masked-update - masked contribution for a round
//   - POST /unmask - shares held for dropped participants
type HTTPParticipant struct {
	config *ParticipantConfig
	client *protocol.LocalClient
	log    *slog.Logger
	dialer *websocket.Dialer
}

// NewHTTPParticipant wraps an in-process participant client.
func NewHTTPParticipant(config *ParticipantConfig, client *protocol.LocalClient) *HTTPParticipant {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.RosterPollInterval <= 0 {
		config.RosterPollInterval = time.Second
	}
	config.CoordinatorURL = strings.TrimRight(config.CoordinatorURL, "/")
	return &HTTPParticipant{
		config: config,
		client: client,
		log:    log.With("client", client.Participant.ID()),
		dialer: &websocket.Dialer{HandshakeTimeout: eventsHandshakeTimeout},
	}
}

// Client returns the wrapped in-process client.
func (p *HTTPParticipant) Client() *protocol.LocalClient {
	return p.client
}

// RegisterRoutes registers HTTP routes for the participant.
func (p *HTTPParticipant) RegisterRoutes(r chi.Router) {
	r.Post("/mask-key", p.handleMaskKey)
	r.Post("/masked-update", p.handleMaskedUpdate)
	r.Post("/unmask", p.handleUnmask)
}

func (p *HTTPParticipant) handleMaskKey(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.KeyRequest](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := p.client.RequestMaskKey(r.Context(), req)
	if err != nil {
		p.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (p *HTTPParticipant) handleMaskedUpdate(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.UpdateRequest](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := p.client.RequestMaskedUpdate(r.Context(), req)
	if err != nil {
		p.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (p *HTTPParticipant) handleUnmask(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.UnmaskRequest](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := p.client.RequestUnmaskShares(r.Context(), req)
	if err != nil {
		p.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (p *HTTPParticipant) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrParticipantOffline):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, protocol.ErrSchemaMismatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		p.log.Error("request failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FetchSession retrieves the session parameters a participant is built from.
func FetchSession(ctx context.Context, httpClient *http.Client, coordinatorURL string) (*SessionResponse, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	session, err := getJSON[SessionResponse](ctx, httpClient, strings.TrimRight(coordinatorURL, "/")+"/session")
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if session.Config == nil {
		return nil, errors.New("session without config")
	}
	return session, nil
}

// Register announces the participant, reachable at endpoint, to the coordinator.
func (p *HTTPParticipant) Register(ctx context.Context, endpoint string) error {
	p.client.Participant.SetEndpoint(endpoint)
	signed, err := p.client.Participant.Registration()
	if err != nil {
		return fmt.Errorf("sign registration: %w", err)
	}
	resp, err := postJSON[RegistrationResponse](ctx, p.config.HTTPClient, p.config.CoordinatorURL+"/register", signed)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("registration refused: %s", resp.Message)
	}
	p.log.Info("registered with coordinator", "endpoint", endpoint)
	return nil
}

// WaitForRoster polls the coordinator until the roster is sealed.
func (p *HTTPParticipant) WaitForRoster(ctx context.Context) (*protocol.Roster, error) {
	ticker := time.NewTicker(p.config.RosterPollInterval)
	defer ticker.Stop()

	for {
		resp, err := getJSON[RosterResponse](ctx, p.config.HTTPClient, p.config.CoordinatorURL+"/roster")
		if err == nil && resp.Roster != nil {
			return resp.Roster, nil
		}
		var serr *StatusError
		if err != nil && !(errors.As(err, &serr) && serr.Code == http.StatusNotFound) {
			p.log.Warn("could not fetch roster", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Join registers at endpoint and then runs Setup.
func (p *HTTPParticipant) Join(ctx context.Context, endpoint string) error {
	if err := p.Register(ctx, endpoint); err != nil {
		return err
	}
	return p.Setup(ctx)
}

// Setup waits for the sealed roster and hands it to the participant, which
// from then on answers mask key requests for its members.
func (p *HTTPParticipant) Setup(ctx context.Context) error {
	roster, err := p.WaitForRoster(ctx)
	if err != nil {
		return err
	}
	if err := p.client.Participant.SetRoster(roster); err != nil {
		return fmt.Errorf("accept roster: %w", err)
	}
	p.log.Info("roster accepted", "members", len(roster.Members), "threshold", roster.Threshold)
	return nil
}

func (p *HTTPParticipant) eventsURL() string {
	// http -> ws, https -> wss
	return "ws" + strings.TrimPrefix(p.config.CoordinatorURL, "http") + "/events"
}

// WatchRounds streams finished rounds from the coordinator to onRound until
// ctx is done or the connection drops.
func (p *HTTPParticipant) WatchRounds(ctx context.Context, onRound func(*RoundResponse)) error {
	conn, _, err := p.dialer.DialContext(ctx, p.eventsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		closeWebsocket(conn, websocket.CloseNormalClosure, "")
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ctx.Err()
			}
			return fmt.Errorf("events stream: %w", err)
		}
		var resp RoundResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			p.log.Warn("malformed round event", "err", err)
			continue
		}
		onRound(&resp)
	}
}
