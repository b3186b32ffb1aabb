package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flashbots/secagg/audit"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// CoordinatorConfig configures the coordinator HTTP API.
type CoordinatorConfig struct {
	// AdminToken protects /admin routes with basic auth (user:pass). Empty leaves them open.
	AdminToken string

	// AuditLog, when set, is verified by GET /admin/audit/verify.
	AuditLog *audit.Log

	// HTTPClient is used to reach participants.
	HTTPClient *http.Client

	Log *slog.Logger
}

// HTTPCoordinator exposes a protocol.Coordinator over HTTP.
//
// Public routes:
//   - GET /session - config, schema and coordinator key
//   - POST /register - signed participant registration
//   - GET /roster - sealed roster, 404 until sealed
//   - GET /clients - registered participants and their blacklist state
//   - GET /rounds/{round} - result of a finished round
//   - GET /events - websocket stream of finished rounds
//
// Admin routes:
//   - POST /admin/roster/seal - fix membership and share indices
//   - POST /admin/rounds - run one round
//   - GET /admin/audit/verify - check the audit log signatures
type HTTPCoordinator struct {
	config *CoordinatorConfig
	coord  *protocol.Coordinator
	log    *slog.Logger

	upgrader websocket.Upgrader
	feed     *RoundFeed
	busy     atomic.Bool

	mu     sync.RWMutex
	rounds map[uint64]*RoundResponse
}

// NewHTTPCoordinator wraps coord with HTTP handlers.
func NewHTTPCoordinator(config *CoordinatorConfig, coord *protocol.Coordinator) *HTTPCoordinator {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCoordinator{
		config: config,
		coord:  coord,
		log:    log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: eventsHandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		feed:   NewRoundFeed(log),
		rounds: make(map[uint64]*RoundResponse),
	}
}

// RegisterRoutes registers every route.
func (c *HTTPCoordinator) RegisterRoutes(r chi.Router) {
	c.RegisterAPIRoutes(r)
	c.RegisterEventsRoute(r)
}

// RegisterAPIRoutes registers the request/response routes, public and admin.
func (c *HTTPCoordinator) RegisterAPIRoutes(r chi.Router) {
	c.RegisterPublicRoutes(r)
	r.Route("/admin", c.RegisterAdminRoutes)
}

// RegisterEventsRoute registers the websocket stream of finished rounds.
func (c *HTTPCoordinator) RegisterEventsRoute(r chi.Router) {
	r.Get("/events", c.handleEvents)
}

// Feed returns the broadcaster of finished rounds.
func (c *HTTPCoordinator) Feed() *RoundFeed {
	return c.feed
}

func (c *HTTPCoordinator) RegisterPublicRoutes(r chi.Router) {
	r.Get("/session", c.handleSession)
	r.Post("/register", c.handleRegister)
	r.Get("/roster", c.handleRoster)
	r.Get("/clients", c.handleClients)
	r.Get("/rounds/{round}", c.handleGetRound)
}

func (c *HTTPCoordinator) RegisterAdminRoutes(r chi.Router) {
	if user, pass, ok := strings.Cut(c.config.AdminToken, ":"); ok {
		r.Use(middleware.BasicAuth("secagg-admin", map[string]string{user: pass}))
	}
	r.Post("/roster/seal", c.handleSealRoster)
	r.Post("/rounds", c.handleRunRound)
	r.Get("/audit/verify", c.handleAuditVerify)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *HTTPCoordinator) handleSession(w http.ResponseWriter, r *http.Request) {
	registry := c.coord.Registry()
	writeJSON(w, http.StatusOK, &SessionResponse{
		Config:         c.coord.Config(),
		Schema:         registry.Schema(),
		CoordinatorKey: registry.CoordinatorKey(),
	})
}

func (c *HTTPCoordinator) handleRegister(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.RegisterClient]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if signed.Object == nil || signed.Object.Endpoint == "" {
		http.Error(w, "registration without endpoint", http.StatusBadRequest)
		return
	}

	client := NewHTTPParticipantClient(signed.Object.Endpoint, c.config.HTTPClient)
	h, err := c.coord.Register(signed, client)
	if err != nil {
		var cerr *crypto.CryptographicError
		switch {
		case errors.As(err, &cerr):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, protocol.ErrSchemaMismatch):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}

	writeJSON(w, http.StatusOK, &RegistrationResponse{
		Success:   true,
		ClientID:  h.ID,
		PublicKey: h.PublicKey.String(),
	})
}

func (c *HTTPCoordinator) handleRoster(w http.ResponseWriter, r *http.Request) {
	roster, ok := c.coord.Registry().SealedRoster()
	if !ok {
		http.Error(w, "roster not sealed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, &RosterResponse{Roster: roster})
}

func (c *HTTPCoordinator) handleSealRoster(w http.ResponseWriter, r *http.Request) {
	roster, err := c.coord.Registry().Roster()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, &RosterResponse{Roster: roster})
}

func (c *HTTPCoordinator) handleClients(w http.ResponseWriter, r *http.Request) {
	registry := c.coord.Registry()
	resp := &ClientListResponse{Clients: []ClientStatus{}}
	for _, h := range registry.All() {
		resp.Clients = append(resp.Clients, ClientStatus{
			ClientID:       h.ID,
			PublicKey:      h.PublicKey.String(),
			ShareIndex:     h.ShareIndex,
			Approved:       registry.IsApproved(h.ID),
			BlacklistScore: registry.BlacklistScore(h.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents upgrades to a websocket and streams every round that finishes
// while the connection is open.
func (c *HTTPCoordinator) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("events upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := c.feed.Subscribe()
	defer unsubscribe()
	c.log.Debug("events subscriber joined", "remote", r.RemoteAddr)

	// The reader only detects the peer going away; subscribers send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			closeWebsocket(conn, websocket.CloseGoingAway, "shutting down")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case resp := <-events:
			conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(resp); err != nil {
				c.log.Warn("events subscriber dropped", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func (c *HTTPCoordinator) handleRunRound(w http.ResponseWriter, r *http.Request) {
	if !c.busy.CompareAndSwap(false, true) {
		http.Error(w, "a round is already running", http.StatusConflict)
		return
	}
	defer c.busy.Store(false)

	resp := newRoundResponse(c.coord.RunRound(r.Context()))

	c.mu.Lock()
	c.rounds[resp.Round] = resp
	c.mu.Unlock()
	c.feed.Publish(resp)

	writeJSON(w, http.StatusOK, resp)
}

func (c *HTTPCoordinator) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}

	c.mu.RLock()
	resp, ok := c.rounds[round]
	c.mu.RUnlock()

	if !ok {
		http.Error(w, "round not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *HTTPCoordinator) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if c.config.AuditLog == nil {
		http.Error(w, "no audit log configured", http.StatusNotFound)
		return
	}
	valid, err := c.config.AuditLog.VerifyEntries()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, &AuditVerifyResponse{Path: c.config.AuditLog.Path(), Valid: valid})
}
