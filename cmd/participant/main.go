// Command participant runs one secure aggregation participant.
//
// The participant fetches the session from the coordinator, registers, waits
// for the roster to be sealed and then answers round requests, dealing a
// fresh mask key for every round. Finished rounds streamed by the coordinator
// are logged. Its contribution is read from a JSON file mapping parameter names
// to flat float arrays; the file is re-read for every round.
//
// # Usage
//
//	go run ./cmd/participant --coordinator=http://localhost:8080 \
//	    --id=hospital-a --addr=:8081 --advertise=http://10.0.0.5:8081 \
//	    --values=update.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/secagg/api/httpserver"
	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		coordinatorURL = flag.String("coordinator", "", "Coordinator base URL")
		clientID       = flag.String("id", "", "Participant id")
		addr           = flag.String("addr", "", "HTTP listen address")
		advertise      = flag.String("advertise", "", "URL the coordinator uses to reach this participant")
		valuesPath     = flag.String("values", "", "JSON file with the contribution")
	)
	flag.Parse()

	cfg := common.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = common.LoadConfig(*configPath); err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if *coordinatorURL != "" {
		cfg.CoordinatorURL = *coordinatorURL
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *advertise != "" {
		cfg.AdvertiseURL = *advertise
	}

	if err := run(cfg, *valuesPath); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func readValues(path string) (map[string][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values map[string][]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return values, nil
}

func run(cfg *common.Config, valuesPath string) error {
	switch {
	case cfg.CoordinatorURL == "":
		return fmt.Errorf("no coordinator url")
	case cfg.ClientID == "":
		return fmt.Errorf("no participant id")
	case cfg.AdvertiseURL == "":
		return fmt.Errorf("no advertise url")
	case valuesPath == "":
		return fmt.Errorf("no values file")
	}

	log, err := common.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	session, err := services.FetchSession(ctx, httpClient, cfg.CoordinatorURL)
	if err != nil {
		return err
	}
	p, err := protocol.NewParticipant(cfg.ClientID, session.Schema, session.CoordinatorKey, session.Config)
	if err != nil {
		return err
	}

	participant := services.NewHTTPParticipant(&services.ParticipantConfig{
		CoordinatorURL: cfg.CoordinatorURL,
		HTTPClient:     httpClient,
		Log:            log,
	}, &protocol.LocalClient{
		Participant: p,
		Contribution: func(round uint64) (map[string][]float64, error) {
			return readValues(valuesPath)
		},
	})

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             session.Config.CallTimeout + 5*time.Second,
	}, httpserver.Logged(log, participant))
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()

	if err := participant.Join(ctx, cfg.AdvertiseURL); err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	log.Info("participant ready", "id", cfg.ClientID, "public_key", p.PublicKey().String())

	go func() {
		err := participant.WatchRounds(ctx, func(resp *services.RoundResponse) {
			if resp.AbortReason != "" {
				log.Warn("round aborted", "round", resp.Round, "reason", resp.AbortReason, "message", resp.Message)
				return
			}
			log.Info("round finished", "round", resp.Round,
				"received", len(resp.Result.Received),
				"reconstructed", resp.Result.Reconstructed,
				"missing", resp.Result.Missing)
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("round events unavailable", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down participant")
	return nil
}
