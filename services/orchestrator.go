package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/flashbots/secagg/audit"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ContributionFunc supplies the plaintext values of participant id for a round.
type ContributionFunc func(id string, round uint64) (map[string][]float64, error)

// OrchestratorConfig contains deployment configuration.
type OrchestratorConfig struct {
	NumParticipants int

	// BasePort is the coordinator's port; participants take the following ones.
	// Zero picks free ports.
	BasePort int

	Schema       protocol.ParamSchema
	SecAgg       *protocol.SecAggConfig
	Contribution ContributionFunc

	// AuditDir receives the audit log; a temporary directory when empty.
	AuditDir string
	AuditKey []byte

	// SetupTimeout bounds registration and roster distribution.
	SetupTimeout time.Duration

	Log *slog.Logger
}

// DeployedService represents a running service instance.
type DeployedService struct {
	ServiceID  string
	HTTPAddr   string
	HTTPServer *http.Server

	Participant *HTTPParticipant
}

// Orchestrator runs a coordinator and its participants on localhost.
type Orchestrator struct {
	config     *OrchestratorConfig
	log        *slog.Logger
	httpClient *http.Client

	coordinator  *DeployedService
	coord        *HTTPCoordinator
	auditLog     *audit.Log
	participants []*DeployedService

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates a deployment orchestrator.
func NewOrchestrator(config *OrchestratorConfig) (*Orchestrator, error) {
	if config.NumParticipants < 1 {
		return nil, errors.New("at least one participant is required")
	}
	if config.Contribution == nil {
		return nil, errors.New("no contribution function")
	}
	if config.SecAgg == nil {
		config.SecAgg = protocol.DefaultConfig()
	}
	if config.SetupTimeout <= 0 {
		config.SetupTimeout = 30 * time.Second
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:     config,
		log:        log,
		httpClient: &http.Client{Timeout: config.SecAgg.RoundTimeout + 10*time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Deploy starts the coordinator and all participants, registers them, seals
// the roster and hands it to every participant.
func (o *Orchestrator) Deploy() error {
	o.log.Info("starting deployment", "participants", o.config.NumParticipants)

	if err := o.deployCoordinator(); err != nil {
		return fmt.Errorf("deploy coordinator: %w", err)
	}
	if err := o.deployParticipants(); err != nil {
		return fmt.Errorf("deploy participants: %w", err)
	}
	if err := o.setupSession(); err != nil {
		return fmt.Errorf("session setup: %w", err)
	}

	o.log.Info("deployment complete", "coordinator", o.coordinator.HTTPAddr, "participants", len(o.participants))
	return nil
}

func (o *Orchestrator) listen(offset int) (net.Listener, error) {
	port := 0
	if o.config.BasePort != 0 {
		port = o.config.BasePort + offset
	}
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

func (o *Orchestrator) serve(serviceID string, ln net.Listener, handler http.Handler) *DeployedService {
	svc := &DeployedService{
		ServiceID:  serviceID,
		HTTPAddr:   "http://" + ln.Addr().String(),
		HTTPServer: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
	}
	go func() {
		o.log.Debug("serving", "service", serviceID, "addr", svc.HTTPAddr)
		if err := svc.HTTPServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error("service failed", "service", serviceID, "err", err)
		}
	}()
	return svc
}

func (o *Orchestrator) deployCoordinator() error {
	_, coordPriv, err := crypto.GenerateKemKeyPair()
	if err != nil {
		return err
	}
	registry, err := protocol.NewRegistry(coordPriv, o.config.Schema, o.config.SecAgg, o.log)
	if err != nil {
		return err
	}

	auditKey := o.config.AuditKey
	if len(auditKey) == 0 {
		auditKey = make([]byte, 32)
		if _, err := rand.Read(auditKey); err != nil {
			return err
		}
	}
	auditDir := o.config.AuditDir
	if auditDir == "" {
		if auditDir, err = os.MkdirTemp("", "secagg-audit-"); err != nil {
			return err
		}
	}
	o.auditLog, err = audit.Open(auditDir, auditKey, o.log)
	if err != nil {
		return err
	}

	coord, err := protocol.NewCoordinator(protocol.CoordinatorDeps{
		Config:    o.config.SecAgg,
		Registry:  registry,
		Sequences: protocol.NewMemorySequenceStore(),
		Shares:    protocol.NewMemoryShareStore(),
		RunID:     o.auditLog.RunID(),
		Recorder:  o.auditLog,
		Log:       o.log,
	})
	if err != nil {
		return err
	}
	o.coord = NewHTTPCoordinator(&CoordinatorConfig{AuditLog: o.auditLog, Log: o.log}, coord)

	ln, err := o.listen(0)
	if err != nil {
		return err
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	o.coord.RegisterRoutes(r)
	o.coordinator = o.serve("coordinator", ln, r)
	return nil
}

func (o *Orchestrator) deployParticipants() error {
	session, err := FetchSession(o.ctx, o.httpClient, o.coordinator.HTTPAddr)
	if err != nil {
		return err
	}

	for i := 0; i < o.config.NumParticipants; i++ {
		id := fmt.Sprintf("participant-%02d", i)
		p, err := protocol.NewParticipant(id, session.Schema, session.CoordinatorKey, session.Config)
		if err != nil {
			return err
		}
		local := &protocol.LocalClient{
			Participant: p,
			Contribution: func(round uint64) (map[string][]float64, error) {
				return o.config.Contribution(id, round)
			},
		}
		httpParticipant := NewHTTPParticipant(&ParticipantConfig{
			CoordinatorURL:     o.coordinator.HTTPAddr,
			RosterPollInterval: 50 * time.Millisecond,
			Log:                o.log,
		}, local)

		ln, err := o.listen(i + 1)
		if err != nil {
			return err
		}
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		httpParticipant.RegisterRoutes(r)

		svc := o.serve(id, ln, r)
		svc.Participant = httpParticipant
		o.participants = append(o.participants, svc)
	}
	return nil
}

func (o *Orchestrator) setupSession() error {
	ctx, cancel := context.WithTimeout(o.ctx, o.config.SetupTimeout)
	defer cancel()

	for _, svc := range o.participants {
		if err := svc.Participant.Register(ctx, svc.HTTPAddr); err != nil {
			return fmt.Errorf("%s: %w", svc.ServiceID, err)
		}
	}
	if _, err := postJSON[RosterResponse](ctx, o.httpClient, o.coordinator.HTTPAddr+"/admin/roster/seal", struct{}{}); err != nil {
		return fmt.Errorf("seal roster: %w", err)
	}
	for _, svc := range o.participants {
		if err := svc.Participant.Setup(ctx); err != nil {
			return fmt.Errorf("%s: %w", svc.ServiceID, err)
		}
	}
	return nil
}

// CoordinatorURL returns the base URL of the coordinator API.
func (o *Orchestrator) CoordinatorURL() string {
	return o.coordinator.HTTPAddr
}

// Participants returns the deployed participants in id order.
func (o *Orchestrator) Participants() []*DeployedService {
	return o.participants
}

// AuditLog returns the coordinator's audit log.
func (o *Orchestrator) AuditLog() *audit.Log {
	return o.auditLog
}

// SetOffline makes participant id fail every request, simulating a dropout.
func (o *Orchestrator) SetOffline(id string, offline bool) error {
	for _, svc := range o.participants {
		if svc.ServiceID == id {
			svc.Participant.Client().SetOffline(offline)
			return nil
		}
	}
	return fmt.Errorf("unknown participant %s", id)
}

// DropUpdates makes participant id withhold masked updates and unmask
// responses while still advertising round keys, so the round has to
// reconstruct it.
func (o *Orchestrator) DropUpdates(id string, drop bool) error {
	for _, svc := range o.participants {
		if svc.ServiceID == id {
			svc.Participant.Client().DropUpdates(drop)
			return nil
		}
	}
	return fmt.Errorf("unknown participant %s", id)
}

// RunRound triggers one round on the coordinator.
func (o *Orchestrator) RunRound(ctx context.Context) (*RoundResponse, error) {
	return postJSON[RoundResponse](ctx, o.httpClient, o.coordinator.HTTPAddr+"/admin/rounds", struct{}{})
}

// Shutdown stops all services.
func (o *Orchestrator) Shutdown() error {
	o.log.Info("shutting down deployment")
	o.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	all := append([]*DeployedService{}, o.participants...)
	if o.coordinator != nil {
		all = append(all, o.coordinator)
	}
	for _, svc := range all {
		if err := svc.HTTPServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", svc.ServiceID, err))
		}
	}
	if o.auditLog != nil {
		errs = append(errs, o.auditLog.Close())
	}
	return errors.Join(errs...)
}
