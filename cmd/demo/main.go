// Command demo runs a coordinator and a set of participants on localhost and
// drives several rounds with simulated dropouts.
//
// Each participant contributes a deterministic pseudo-random vector; after every
// round the demo compares the secure aggregate with the plain sum of the
// surviving participants' vectors.
//
// # Usage
//
//	go run ./cmd/demo --participants=10 --rounds=3 --dropouts=2
//	go run ./cmd/demo --participants=5 --dim=1000 --method=median --audit-dir=./audit
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
	"gonum.org/v1/gonum/floats"
)

func main() {
	var (
		numParticipants = flag.Int("participants", 5, "Number of participants")
		rounds          = flag.Int("rounds", 3, "Number of rounds to run")
		dropouts        = flag.Int("dropouts", 1, "Participants taken offline each round")
		dim             = flag.Int("dim", 16, "Length of the contributed vector")
		method          = flag.String("method", string(aggregator.FedAvg), "Aggregation method")
		auditDir        = flag.String("audit-dir", "", "Audit log directory (temporary if empty)")
		basePort        = flag.Int("base-port", 0, "First port to listen on (free ports if 0)")
		logLevel        = flag.String("log-level", "warn", "Log level")
	)
	flag.Parse()

	log, err := common.NewLogger(os.Stderr, *logLevel, false)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	config := protocol.DefaultConfig()
	config.Method = aggregator.Method(*method)
	config.CallTimeout = 5 * time.Second
	config.RoundTimeout = 30 * time.Second
	config.BackoffBase = 100 * time.Millisecond
	if err := config.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	d := &demo{dim: *dim}
	o, err := services.NewOrchestrator(&services.OrchestratorConfig{
		NumParticipants: *numParticipants,
		BasePort:        *basePort,
		Schema:          protocol.ParamSchema{"weights": {*dim}},
		SecAgg:          config,
		Contribution:    d.contribution,
		AuditDir:        *auditDir,
		Log:             log,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(o, d, *rounds, *dropouts, log); err != nil {
		fmt.Printf("Error: %v\n", err)
		o.Shutdown()
		os.Exit(1)
	}
	if err := o.Shutdown(); err != nil {
		fmt.Printf("Shutdown: %v\n", err)
	}
}

type demo struct {
	dim int
}

// contribution derives a participant's vector from its id and the round.
func (d *demo) contribution(id string, round uint64) (map[string][]float64, error) {
	h := fnv.New64a()
	h.Write([]byte(id))
	rng := rand.New(rand.NewPCG(h.Sum64(), round))
	v := make([]float64, d.dim)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return map[string][]float64{"weights": v}, nil
}

func (d *demo) expectedSum(ids []string, round uint64) []float64 {
	sum := make([]float64, d.dim)
	for _, id := range ids {
		values, _ := d.contribution(id, round)
		floats.Add(sum, values["weights"])
	}
	return sum
}

func run(o *services.Orchestrator, d *demo, rounds, dropouts int, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := o.Deploy(); err != nil {
		return err
	}
	participants := o.Participants()
	fmt.Printf("Session ready: %d participants, coordinator at %s (%v)\n",
		len(participants), o.CoordinatorURL(), time.Since(start).Round(time.Millisecond))

	for r := 0; r < rounds; r++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// rotate which participants drop out after advertising their round key
		n := len(participants)
		var offline []string
		for i, svc := range participants {
			down := ((i-r*dropouts)%n+n)%n < dropouts
			if err := o.DropUpdates(svc.ServiceID, down); err != nil {
				return err
			}
			if down {
				offline = append(offline, svc.ServiceID)
			}
		}

		start := time.Now()
		resp, err := o.RunRound(ctx)
		if err != nil {
			return err
		}
		if resp.AbortReason != "" {
			fmt.Printf("Round %d aborted: %s (%s), offline %v\n", resp.Round, resp.AbortReason, resp.Message, offline)
			continue
		}

		res := resp.Result
		fmt.Printf("Round %d: %d received, reconstructed %v, missing %v (%v)\n",
			res.RoundID, len(res.Received), res.Reconstructed, res.Missing, time.Since(start).Round(time.Millisecond))

		if got := res.Aggregate["weights"]; len(res.Missing) == 0 && len(got) == d.dim {
			want := d.expectedSum(res.Received, res.RoundID)
			diff := make([]float64, d.dim)
			floats.SubTo(diff, got, want)
			fmt.Printf("  max deviation from plaintext sum: %.2e\n", floats.Norm(diff, math.Inf(1)))
		}
	}

	valid, err := o.AuditLog().VerifyEntries()
	if err != nil {
		return err
	}
	fmt.Printf("Audit log %s verifies: %v\n", o.AuditLog().Path(), valid)
	log.Debug("demo finished")
	return nil
}
