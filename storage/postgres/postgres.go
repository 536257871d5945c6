// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres keeps the activity log and delivery cursors in
// PostgreSQL so several nodes can share them. Everything else stays in
// the embedded store; see storage.Compose.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	_ "github.com/lib/pq"
)

const (
	activityTable    = "fluxfed_sent_activity"
	queueStateTable  = "fluxfed_federation_queue_state"
	operationTimeout = 5 * time.Second

	// appendLockKey orders appends across nodes so ids become visible in
	// id order and workers never mistake an in-flight id for a hole.
	appendLockKey = 0x666c7578
)

var (
	_ storage.ActivityLog = (*Store)(nil)
	_ storage.CursorStore = (*Store)(nil)
)

// ErrInvalidDSN is returned for an empty connection string.
var ErrInvalidDSN = errors.New("postgres: empty dsn")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store implements storage.ActivityLog and storage.CursorStore.
type Store struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New returns a lazily connected store. Tables are created on first use.
func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &Store{dsn: dsn, openDB: sql.Open}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores the activity and returns its serial id.
func (s *Store) Append(ctx context.Context, activity *types.SentActivity) (types.ActivityID, error) {
	if activity == nil {
		return 0, storage.ErrInvalidActivity
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	targets, err := json.Marshal(activity.Targets)
	if err != nil {
		return 0, err
	}
	published := activity.PublishedAt
	if published.IsZero() {
		published = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (ap_id, actor_ap_id, actor_type, data, send_targets, sensitive, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, quoteIdentifier(activityTable))
	var id int64
	err = tx.QueryRowContext(ctx, query,
		activity.APID, activity.ActorAPID, string(activity.ActorType),
		activity.Data, string(targets), activity.Sensitive, published,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return types.ActivityID(id), nil
}

// Read returns the activity with the given id.
func (s *Store) Read(ctx context.Context, id types.ActivityID) (*types.SentActivity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, ap_id, actor_ap_id, actor_type, data, send_targets, sensitive, published_at
		FROM %s WHERE id = $1`, quoteIdentifier(activityTable))
	a, err := scanActivity(s.db.QueryRowContext(ctx, query, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return a, err
}

// ReadBatch returns up to limit activities after afterID in id order.
func (s *Store) ReadBatch(ctx context.Context, afterID types.ActivityID, limit int) ([]*types.SentActivity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, ap_id, actor_ap_id, actor_type, data, send_targets, sensitive, published_at
		FROM %s WHERE id > $1 ORDER BY id ASC LIMIT $2`, quoteIdentifier(activityTable))
	rows, err := s.db.QueryContext(ctx, query, int64(afterID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SentActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestID returns the highest committed id, counting ids whose rows
// have already been pruned.
func (s *Store) LatestID(ctx context.Context) (types.ActivityID, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT GREATEST(
			COALESCE((SELECT MAX(id) FROM %s), 0),
			COALESCE((SELECT high_water FROM %s WHERE name = 'activity'), 0)
		)`, quoteIdentifier(activityTable), quoteIdentifier(activityTable+"_meta"))
	var id int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, err
	}
	return types.ActivityID(id), nil
}

// PruneBefore deletes up to limit of the oldest activities published before
// cutoff. Rows locked by a concurrent pruner are skipped, not waited on.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Remember the high water mark before the rows that carry it go away.
	meta := fmt.Sprintf(`
		INSERT INTO %s (name, high_water)
		SELECT 'activity', COALESCE(MAX(id), 0) FROM %s
		ON CONFLICT (name) DO UPDATE SET high_water = GREATEST(%s.high_water, EXCLUDED.high_water)`,
		quoteIdentifier(activityTable+"_meta"), quoteIdentifier(activityTable), quoteIdentifier(activityTable+"_meta"))
	if _, err := tx.ExecContext(ctx, meta); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s
			WHERE published_at < $1
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, quoteIdentifier(activityTable), quoteIdentifier(activityTable))
	res, err := tx.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activities: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	n, err := res.RowsAffected()
	return int(n), err
}

// LoadState returns the saved state or storage.ErrNotFound.
func (s *Store) LoadState(ctx context.Context, instanceID types.InstanceID) (types.FederationQueueState, error) {
	st := types.FederationQueueState{InstanceID: instanceID}
	if err := s.ensureReady(); err != nil {
		return st, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT last_successful_id, fail_count, last_retry_at, last_successful_published_at
		FROM %s WHERE instance_id = $1`, quoteIdentifier(queueStateTable))
	var id int64
	err := s.db.QueryRowContext(ctx, query, int64(instanceID)).Scan(&id, &st.FailCount, &st.LastRetryAt, &st.LastSuccessfulPublishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.FederationQueueState{}, storage.ErrNotFound
	}
	if err != nil {
		return types.FederationQueueState{}, err
	}
	st.LastSuccessfulID = types.ActivityID(id)
	return st, nil
}

// SaveState upserts the state. The conditional update makes a regressing
// cursor affect zero rows, which is reported as storage.ErrCursorRegress.
func (s *Store) SaveState(ctx context.Context, state types.FederationQueueState) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	table := quoteIdentifier(queueStateTable)
	query := fmt.Sprintf(`
		INSERT INTO %s (instance_id, last_successful_id, fail_count, last_retry_at, last_successful_published_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET
			last_successful_id = EXCLUDED.last_successful_id,
			fail_count = EXCLUDED.fail_count,
			last_retry_at = EXCLUDED.last_retry_at,
			last_successful_published_at = EXCLUDED.last_successful_published_at
		WHERE %s.last_successful_id <= EXCLUDED.last_successful_id`, table, table)
	res, err := s.db.ExecContext(ctx, query,
		int64(state.InstanceID), int64(state.LastSuccessfulID), state.FailCount,
		state.LastRetryAt.UTC(), state.LastSuccessfulPublishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save queue state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrCursorRegress
	}
	return nil
}

// ListStates returns all states ordered by instance id.
func (s *Store) ListStates(ctx context.Context) ([]types.FederationQueueState, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT instance_id, last_successful_id, fail_count, last_retry_at, last_successful_published_at
		FROM %s ORDER BY instance_id ASC`, quoteIdentifier(queueStateTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FederationQueueState
	for rows.Next() {
		var inst, id int64
		var st types.FederationQueueState
		if err := rows.Scan(&inst, &id, &st.FailCount, &st.LastRetryAt, &st.LastSuccessfulPublishedAt); err != nil {
			return nil, err
		}
		st.InstanceID = types.InstanceID(inst)
		st.LastSuccessfulID = types.ActivityID(id)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ensureReady() error {
	if s == nil {
		return ErrInvalidDSN
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		stmts := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					ap_id TEXT NOT NULL,
					actor_ap_id TEXT NOT NULL,
					actor_type TEXT NOT NULL,
					data BYTEA NOT NULL,
					send_targets JSONB NOT NULL,
					sensitive BOOLEAN NOT NULL DEFAULT FALSE,
					published_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(activityTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					name TEXT PRIMARY KEY,
					high_water BIGINT NOT NULL
				)`, quoteIdentifier(activityTable+"_meta")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					instance_id BIGINT PRIMARY KEY,
					last_successful_id BIGINT NOT NULL,
					fail_count INTEGER NOT NULL DEFAULT 0,
					last_retry_at TIMESTAMPTZ NOT NULL,
					last_successful_published_at TIMESTAMPTZ NOT NULL
				)`, quoteIdentifier(queueStateTable)),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*types.SentActivity, error) {
	var (
		a         types.SentActivity
		id        int64
		actorType string
		targets   []byte
	)
	if err := row.Scan(&id, &a.APID, &a.ActorAPID, &actorType, &a.Data, &targets, &a.Sensitive, &a.PublishedAt); err != nil {
		return nil, err
	}
	a.ID = types.ActivityID(id)
	a.ActorType = types.ActorType(actorType)
	if err := json.Unmarshal(targets, &a.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode send targets: %w", err)
	}
	return &a, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
