/*
# SecAgg Services Package

The services package exposes the secure aggregation protocol over HTTP so that
the coordinator and its participants can run as separate processes.

## Components

### HTTP Services

1. **HTTPCoordinator** (`http_coordinator.go`)
  - Wraps `protocol.Coordinator`
  - Registers participants, seals the roster, runs rounds and streams their results
  - Endpoints:
  - `GET /session` - Session config, parameter schema and coordinator key
  - `POST /register` - Signed participant registration
  - `GET /roster` - Sealed roster (404 until sealed)
  - `GET /rounds/{round}` - Result of a finished round
  - `GET /events` - Websocket stream of finished rounds
  - `POST /admin/roster/seal`, `POST /admin/rounds`, `GET /admin/audit/verify`

2. **HTTPParticipant** (`http_participant.go`)
  - Wraps `protocol.LocalClient`
  - Joins a session and answers coordinator requests
  - Endpoints:
  - `POST /mask-key` - Fresh round mask key and its shares, sealed per peer
  - `POST /masked-update` - Masked contribution for a round
  - `POST /unmask` - Shares held for dropped participants

3. **HTTPParticipantClient** (`http_client.go`)
  - Implements `protocol.ParticipantClient` for the coordinator side

### Storage

`PostgresStore` (`postgres_store.go`) persists sequence numbers per registration
stream and masked updates per run and round, so replay protection survives a
coordinator restart. A finished round deletes its updates; `retention` purges
those left by rounds that never finished.

### Orchestrator

The `Orchestrator` (`orchestrator.go`) runs a coordinator and N participants on
localhost:
  - Generates the coordinator key and opens the audit log
  - Registers every participant and seals the roster
  - Hands the sealed roster to every participant
  - Triggers rounds and simulates dropouts (`SetOffline` before the key
    exchange, `DropUpdates` after it)

## Session Flow

 1. Participants fetch `/session` and register with a signed `RegisterClient`
 2. The operator seals the roster; share indices follow sorted client ids
 3. Each round opens with `/mask-key`: every participant draws a fresh mask
    key and deals Shamir shares of it, one sealed package per peer
 4. The coordinator forwards each participant the packages dealt to it along
    with the round's mask keys and collects the masked updates
 5. It asks survivors for the shares of dropped participants, rebuilds only
    their round keys, removes their masks and aggregates
 6. The result is published to every `/events` subscriber

## Usage

	orchestrator, err := services.NewOrchestrator(&services.OrchestratorConfig{
		NumParticipants: 5,
		Schema:          protocol.ParamSchema{"w": {10}},
		Contribution:    contribution,
	})
	if err != nil {
		return err
	}
	if err := orchestrator.Deploy(); err != nil {
		return err
	}
	defer orchestrator.Shutdown()

	resp, err := orchestrator.RunRound(ctx)
*/
package services
