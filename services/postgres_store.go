package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements protocol.SequenceStore and protocol.MaskedShareStore with PostgreSQL persistence.
type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	// Retention, when set, purges masked updates older than it on startup.
	// Finished rounds delete their own rows, so this only catches rounds
	// a crashed coordinator never finished.
	Retention time.Duration `yaml:"retention"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects, verifies the connection and creates the tables.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db, queryTimeout: 5 * time.Second}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if config.Retention > 0 {
		if _, err := store.PurgeBefore(ctx, time.Now().Add(-config.Retention)); err != nil {
			db.Close()
			return nil, fmt.Errorf("purging stale updates: %w", err)
		}
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stream_sequences (
		stream VARCHAR(320) PRIMARY KEY,
		last_seq BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS masked_updates (
		run_id VARCHAR(64) NOT NULL,
		round BIGINT NOT NULL,
		client_id VARCHAR(256) NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (run_id, round, client_id)
	);

	CREATE INDEX IF NOT EXISTS idx_masked_updates_created ON masked_updates(created_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// LastSequence returns the highest accepted sequence number of stream, 0 if none.
func (s *PostgresStore) LastSequence(ctx context.Context, stream string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var last int64
	err := s.db.QueryRowContext(ctx, "SELECT last_seq FROM stream_sequences WHERE stream = $1", stream).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(last), nil
}

// SetLastSequence overwrites the stored sequence number of stream.
func (s *PostgresStore) SetLastSequence(ctx context.Context, stream string, seq uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO stream_sequences (stream, last_seq, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (stream) DO UPDATE SET
		last_seq = EXCLUDED.last_seq,
		updated_at = NOW()
	`, stream, int64(seq))
	return err
}

// Advance stores seq for stream only if it exceeds the stored value.
// The comparison and the write are one statement, so concurrent deliveries cannot both win.
func (s *PostgresStore) Advance(ctx context.Context, stream string, seq uint64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO stream_sequences AS ss (stream, last_seq, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (stream) DO UPDATE SET
		last_seq = EXCLUDED.last_seq,
		updated_at = NOW()
	WHERE ss.last_seq < EXCLUDED.last_seq
	`, stream, int64(seq))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Put stores the masked payload of clientID for round of run, replacing an earlier one.
func (s *PostgresStore) Put(ctx context.Context, run string, round uint64, clientID string, payload []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO masked_updates (run_id, round, client_id, payload)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (run_id, round, client_id) DO UPDATE SET
		payload = EXCLUDED.payload,
		created_at = NOW()
	`, run, int64(round), clientID, payload)
	return err
}

// GetAll returns every stored payload of round of run keyed by client id.
func (s *PostgresStore) GetAll(ctx context.Context, run string, round uint64) (map[string][]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT client_id, payload FROM masked_updates WHERE run_id = $1 AND round = $2", run, int64(round))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var (
			clientID string
			payload  []byte
		)
		if err := rows.Scan(&clientID, &payload); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result[clientID] = payload
	}
	return result, rows.Err()
}

// Forget deletes every payload of round of run.
func (s *PostgresStore) Forget(ctx context.Context, run string, round uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM masked_updates WHERE run_id = $1 AND round = $2", run, int64(round))
	return err
}

// PurgeBefore deletes payloads stored before cutoff, whatever run left them behind.
func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM masked_updates WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
