// Copyright 2025 MPCGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"mpcgate/gateway/contract"
)

// PostgresStore mirrors audit events into an audit_events table for
// deployments that want SQL over their trail. It follows the same queue
// discipline as FileSink: producers enqueue, one goroutine writes, batches
// are flushed by size or by timer. The store is optional; the file sink
// remains the source of truth.
type PostgresStore struct {
	db    *sql.DB
	queue chan Event
	done  chan struct{}

	batchSize  int
	flushEvery time.Duration
	dropped    uint64

	mu     sync.RWMutex
	closed bool
}

// PostgresConfig tunes the store. Zero values take defaults.
type PostgresConfig struct {
	QueueSize  int           // default 10000
	BatchSize  int           // default 100
	FlushEvery time.Duration // default 5s
}

// NewPostgresStore connects to the DSN, ensures the schema, and starts the
// writer.
func NewPostgresStore(dsn string, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach audit database: %w", err)
	}
	if err := createEventTable(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return NewPostgresStoreWithDB(db, cfg), nil
}

// NewPostgresStoreWithDB wraps an existing handle. The caller owns schema
// creation; tests pass a sqlmock handle here.
func NewPostgresStoreWithDB(db *sql.DB, cfg PostgresConfig) *PostgresStore {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	s := &PostgresStore{
		db:         db,
		queue:      make(chan Event, cfg.QueueSize),
		done:       make(chan struct{}),
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushEvery,
	}
	go s.writeLoop()
	return s
}

// Emit enqueues the event; full or closed queues drop.
func (s *PostgresStore) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		atomic.AddUint64(&s.dropped, 1)
		return
	}
	select {
	case s.queue <- e:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Dropped returns how many events were discarded.
func (s *PostgresStore) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close flushes pending events and closes the database handle.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *PostgresStore) writeLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			atomic.AddUint64(&s.dropped, uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *PostgresStore) insertBatch(batch []Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_events (
			event_id, ts, event_type, actor, action, resource,
			outcome, sensitivity_level, context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range batch {
		contextJSON, _ := json.Marshal(e.Context)
		if _, err := stmt.Exec(
			e.EventID,
			e.Timestamp,
			string(e.EventType),
			e.Actor,
			e.Action,
			e.Resource,
			string(e.Outcome),
			string(e.SensitivityLevel),
			contextJSON,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search queries stored events with the same filter the file scan uses.
// Results come back newest first.
func (s *PostgresStore) Search(ctx context.Context, f Filter) ([]Event, error) {
	query := `
		SELECT event_id, ts, event_type, actor, action, resource,
			   outcome, sensitivity_level, context
		FROM audit_events
		WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if f.Type != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIndex)
		args = append(args, string(f.Type))
		argIndex++
	}
	if f.Actor != "" {
		query += fmt.Sprintf(" AND actor IN ($%d, $%d)", argIndex, argIndex+1)
		args = append(args, f.Actor, HashActor(f.Actor))
		argIndex += 2
	}
	if f.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", argIndex)
		args = append(args, string(f.Outcome))
		argIndex++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", argIndex)
		args = append(args, f.From)
		argIndex++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(" AND ts <= $%d", argIndex)
		args = append(args, f.To)
		argIndex++
	}

	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var contextJSON []byte
		var sensitivity sql.NullString
		if err := rows.Scan(
			&e.EventID,
			&e.Timestamp,
			&e.EventType,
			&e.Actor,
			&e.Action,
			&e.Resource,
			&e.Outcome,
			&sensitivity,
			&contextJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if sensitivity.Valid {
			e.SensitivityLevel = contract.Sensitivity(sensitivity.String)
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &e.Context)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func createEventTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id VARCHAR(64) PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		action VARCHAR(100) NOT NULL,
		resource VARCHAR(255) NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		sensitivity_level VARCHAR(20),
		context JSONB,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor);
	`
	_, err := db.Exec(schema)
	return err
}
