// Package postgres implements a [record.Recorder] backed by a PostgreSQL
// sessions table, for deployments that want durable session history across
// restarts.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mvarner/wyostream/internal/record"
	"github.com/mvarner/wyostream/pkg/wyoming"
)

// Compile-time interface check.
var _ record.Recorder = (*Store)(nil)

const schema = `
	CREATE TABLE IF NOT EXISTS stream_sessions (
	    id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	    source        TEXT        NOT NULL,
	    codec         TEXT        NOT NULL,
	    started_at    TIMESTAMPTZ NOT NULL,
	    ended_at      TIMESTAMPTZ NOT NULL,
	    end_reason    TEXT        NOT NULL,
	    end_error     TEXT        NOT NULL DEFAULT '',
	    bytes_sent    BIGINT      NOT NULL DEFAULT 0,
	    chunks_sent   BIGINT      NOT NULL DEFAULT 0,
	    reconnects    BIGINT      NOT NULL DEFAULT 0,
	    dropped       BIGINT      NOT NULL DEFAULT 0,
	    relay_status  JSONB
	);
	CREATE INDEX IF NOT EXISTS stream_sessions_started_at_idx
	    ON stream_sessions (started_at DESC);`

// Store records streaming sessions into PostgreSQL. One row is written per
// session, at session end. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	started time.Time
	source  string
	codec   string
	relay   *wyoming.RelayStatus
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the sessions table exists.
func NewStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres recorder: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres recorder: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres recorder: migrate: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// OnStart implements [record.Recorder].
func (s *Store) OnStart(source, codec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	s.source = source
	s.codec = codec
	s.relay = nil
}

// OnStatusUpdate implements [record.Recorder].
func (s *Store) OnStatusUpdate(status wyoming.RelayStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := status
	s.relay = &st
}

// OnEnd implements [record.Recorder]. The row is written asynchronously so
// the streaming core is never blocked on the database.
func (s *Store) OnEnd(endErr error, reason record.EndReason, diag record.Diagnostics) {
	s.mu.Lock()
	sess := record.Session{
		Source:      s.source,
		Codec:       s.codec,
		StartedAt:   s.started,
		EndedAt:     time.Now(),
		EndReason:   reason,
		Diagnostics: diag,
		RelayStatus: s.relay,
	}
	s.mu.Unlock()

	if endErr != nil {
		sess.EndError = endErr.Error()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.insert(ctx, sess); err != nil {
			s.logger.Error("failed to record session", "error", err)
		}
	}()
}

func (s *Store) insert(ctx context.Context, sess record.Session) error {
	const q = `
		INSERT INTO stream_sessions
		    (source, codec, started_at, ended_at, end_reason, end_error,
		     bytes_sent, chunks_sent, reconnects, dropped, relay_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var relayJSON []byte
	if sess.RelayStatus != nil {
		b, err := json.Marshal(sess.RelayStatus)
		if err != nil {
			return fmt.Errorf("postgres recorder: marshal relay status: %w", err)
		}
		relayJSON = b
	}

	_, err := s.pool.Exec(ctx, q,
		sess.Source,
		sess.Codec,
		sess.StartedAt,
		sess.EndedAt,
		string(sess.EndReason),
		sess.EndError,
		sess.Diagnostics.BytesTransferred,
		sess.Diagnostics.ChunksTransferred,
		sess.Diagnostics.ReconnectCount,
		sess.Diagnostics.DroppedChunks,
		relayJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres recorder: insert session: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
