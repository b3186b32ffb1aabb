// Package audit implements an append-only, HMAC-signed ledger of round outcomes.
//
// Each line of the ledger is a JSON object {"payload": ..., "sig": ...} where sig is
// the hex HMAC-SHA256 of the payload's canonical encoding (object keys sorted, no
// insignificant whitespace). The ledger is tamper-evident, not tamper-proof: anyone
// holding the file can truncate it, but cannot alter or forge entries without the key.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditError reports a failure to durably write or read the ledger.
type AuditError struct {
	Op  string
	Err error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s: %v", e.Op, e.Err)
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// RoundRecord is the metadata recorded for one finished round.
type RoundRecord struct {
	RoundID           uint64
	Participants      []string
	ParticipationRate float64
	SampleRates       map[string]float64
	PrivacyParams     map[string]any
	Extra             map[string]any
}

// Entry is one ledger line.
type Entry struct {
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig"`
}

// Log appends signed entries to a single file, syncing after every write.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	key   []byte
	runID string
	log   *slog.Logger
	now   func() time.Time
}

// Open creates a fresh ledger file audit-<run id>.jsonl inside dir.
func Open(dir string, key []byte, log *slog.Logger) (*Log, error) {
	runID := uuid.NewString()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &AuditError{Op: "open", Err: err}
	}
	l, err := OpenFile(filepath.Join(dir, "audit-"+runID+".jsonl"), key, log)
	if err != nil {
		return nil, err
	}
	l.runID = runID
	return l, nil
}

// OpenFile opens (or creates) a ledger at path for appending.
func OpenFile(path string, key []byte, log *slog.Logger) (*Log, error) {
	if len(key) == 0 {
		return nil, &AuditError{Op: "open", Err: errors.New("empty signing key")}
	}
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, &AuditError{Op: "open", Err: err}
	}
	return &Log{
		path: path,
		file: f,
		key:  bytes.Clone(key),
		log:  log,
		now:  time.Now,
	}, nil
}

// Path returns the ledger file location.
func (l *Log) Path() string {
	return l.path
}

// RunID returns the run identifier embedded in entries and the file name.
func (l *Log) RunID() string {
	return l.runID
}

// RecordRound appends a signed entry and forces it to stable storage.
// The caller must not report the round as successful if this fails.
func (l *Log) RecordRound(rec RoundRecord) error {
	payload := map[string]any{
		"ts":                         l.now().UTC().Format(time.RFC3339Nano),
		"round":                      rec.RoundID,
		"clients":                    nonNil(rec.Participants),
		"clients_participation_rate": rec.ParticipationRate,
		"local_sample_rates":         nonNilMap(rec.SampleRates),
		"privacy_params":             nonNilMap(rec.PrivacyParams),
		"extra":                      nonNilMap(rec.Extra),
	}
	if l.runID != "" {
		payload["run_id"] = l.runID
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return &AuditError{Op: "encode", Err: err}
	}
	line, err := json.Marshal(Entry{Payload: canonical, Sig: sign(l.key, canonical)})
	if err != nil {
		return &AuditError{Op: "encode", Err: err}
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return &AuditError{Op: "write", Err: os.ErrClosed}
	}
	if _, err := l.file.Write(line); err != nil {
		return &AuditError{Op: "write", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &AuditError{Op: "sync", Err: err}
	}

	l.log.Info("audit entry recorded", "round", rec.RoundID, "clients", len(rec.Participants))
	return nil
}

// VerifyEntries replays the ledger and recomputes every signature.
func (l *Log) VerifyEntries() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyFile(l.path, l.key)
}

// Close releases the file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// VerifyFile checks every entry of the ledger at path. It returns false on the
// first entry that is malformed or whose signature does not match.
// A missing file holds no entries and verifies.
func VerifyFile(path string, key []byte) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, &AuditError{Op: "read", Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return false, nil
		}
		canonical, err := canonicalize(entry.Payload)
		if err != nil {
			return false, nil
		}
		if !hmac.Equal([]byte(sign(key, canonical)), []byte(entry.Sig)) {
			return false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, &AuditError{Op: "read", Err: err}
	}
	return true, nil
}

// canonicalize re-encodes a JSON document with sorted keys, preserving number literals.
func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func sign(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
