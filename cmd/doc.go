// Package cmd provides CLI commands for secagg services.
//
// # Commands
//
// coordinator: Registers participants, relays their key shares and runs
// aggregation rounds. Every finished round is appended to a signed audit log
// whose secret is read from AUDIT_SECRET.
//
//	AUDIT_SECRET=... go run ./cmd/coordinator --config=coordinator.yaml
//	AUDIT_SECRET=... go run ./cmd/coordinator --addr=:8080 --admin-token=admin:secret
//
// participant: Joins a coordinator's session and contributes the vector stored
// in a JSON file.
//
//	go run ./cmd/participant --coordinator=http://localhost:8080 --id=site-a \
//	    --addr=:8081 --advertise=http://localhost:8081 --values=update.json
//
// demo: Runs a coordinator and N participants on localhost, rotating dropouts
// across rounds and checking the aggregate against the plaintext sum.
//
//	go run ./cmd/demo --participants=10 --rounds=3 --dropouts=2
//
// # Running a Session by Hand
//
//	# 1. start the coordinator and the participants, then seal the roster
//	curl -u admin:secret -X POST http://localhost:8080/admin/roster/seal
//
//	# 2. run a round once every participant reports it holds its peers' shares
//	curl -u admin:secret -X POST http://localhost:8080/admin/rounds
//
//	# 3. check the audit trail
//	curl -u admin:secret http://localhost:8080/admin/audit/verify
//
// # Configuration
//
// The coordinator and participant commands accept a YAML configuration file
// via the --config flag; command line flags override file values.
// See cmd/common for the schema.
package cmd
