// Package session provides the PostgreSQL-backed implementation of
// tus.SessionStore for deployments that need upload sessions to survive
// restarts and be shared across instances. The in-process store lives next to
// the interface in internal/tus.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/tus"
)

// schema is applied on startup. Kept to a single table so the store needs no
// external migration tooling.
const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id                 TEXT PRIMARY KEY,
	byte_offset        BIGINT NOT NULL,
	length             BIGINT NOT NULL,
	length_deferred    BOOLEAN NOT NULL,
	metadata           JSONB,
	checksum_algorithm TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	expires_at         TIMESTAMPTZ,
	state              TEXT NOT NULL,
	is_partial         BOOLEAN NOT NULL,
	is_final           BOOLEAN NOT NULL,
	partial_ids        JSONB,
	storage_ref        TEXT NOT NULL DEFAULT ''
)`

// PostgresStore implements tus.SessionStore on a PostgreSQL table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to PostgreSQL per the configuration, verifies the
// connection, and ensures the sessions table exists.
func NewPostgresStore(cfg *config.PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection. Used by tests.
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring upload_sessions schema: %w", err)
	}
	return nil
}

// sessionRow is the database shape of a session. Metadata and the partial
// upload list are stored as JSONB.
type sessionRow struct {
	ID                string       `db:"id"`
	ByteOffset        int64        `db:"byte_offset"`
	Length            int64        `db:"length"`
	LengthDeferred    bool         `db:"length_deferred"`
	Metadata          []byte       `db:"metadata"`
	ChecksumAlgorithm string       `db:"checksum_algorithm"`
	CreatedAt         time.Time    `db:"created_at"`
	ExpiresAt         sql.NullTime `db:"expires_at"`
	State             string       `db:"state"`
	IsPartial         bool         `db:"is_partial"`
	IsFinal           bool         `db:"is_final"`
	PartialIDs        []byte       `db:"partial_ids"`
	StorageRef        string       `db:"storage_ref"`
}

func toRow(sess *tus.Session) (*sessionRow, error) {
	row := &sessionRow{
		ID:                sess.ID,
		ByteOffset:        sess.Offset,
		Length:            sess.Length,
		LengthDeferred:    sess.LengthDeferred,
		ChecksumAlgorithm: sess.ChecksumAlgorithm,
		CreatedAt:         sess.CreatedAt,
		State:             string(sess.State),
		IsPartial:         sess.IsPartial,
		IsFinal:           sess.IsFinal,
		StorageRef:        sess.StorageRef,
	}
	if !sess.ExpiresAt.IsZero() {
		row.ExpiresAt = sql.NullTime{Time: sess.ExpiresAt, Valid: true}
	}
	if sess.Metadata != nil {
		data, err := json.Marshal(sess.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding session metadata: %w", err)
		}
		row.Metadata = data
	}
	if sess.PartialIDs != nil {
		data, err := json.Marshal(sess.PartialIDs)
		if err != nil {
			return nil, fmt.Errorf("encoding partial upload list: %w", err)
		}
		row.PartialIDs = data
	}
	return row, nil
}

func (r *sessionRow) toSession() (*tus.Session, error) {
	sess := &tus.Session{
		ID:                r.ID,
		Offset:            r.ByteOffset,
		Length:            r.Length,
		LengthDeferred:    r.LengthDeferred,
		ChecksumAlgorithm: r.ChecksumAlgorithm,
		CreatedAt:         r.CreatedAt,
		State:             tus.State(r.State),
		IsPartial:         r.IsPartial,
		IsFinal:           r.IsFinal,
		StorageRef:        r.StorageRef,
	}
	if r.ExpiresAt.Valid {
		sess.ExpiresAt = r.ExpiresAt.Time
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decoding session metadata: %w", err)
		}
	}
	if len(r.PartialIDs) > 0 {
		if err := json.Unmarshal(r.PartialIDs, &sess.PartialIDs); err != nil {
			return nil, fmt.Errorf("decoding partial upload list: %w", err)
		}
	}
	return sess, nil
}

const selectColumns = `id, byte_offset, length, length_deferred, metadata, checksum_algorithm,
	created_at, expires_at, state, is_partial, is_final, partial_ids, storage_ref`

func (s *PostgresStore) Save(ctx context.Context, sess *tus.Session) error {
	row, err := toRow(sess)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO upload_sessions (` + selectColumns + `)
		VALUES (:id, :byte_offset, :length, :length_deferred, :metadata, :checksum_algorithm,
			:created_at, :expires_at, :state, :is_partial, :is_final, :partial_ids, :storage_ref)
		ON CONFLICT (id) DO UPDATE SET
			byte_offset = EXCLUDED.byte_offset,
			length = EXCLUDED.length,
			length_deferred = EXCLUDED.length_deferred,
			expires_at = EXCLUDED.expires_at,
			state = EXCLUDED.state,
			storage_ref = EXCLUDED.storage_ref
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*tus.Session, error) {
	var row sessionRow
	query := `SELECT ` + selectColumns + ` FROM upload_sessions WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tus.ErrNotFound
		}
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return row.toSession()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*tus.Session, error) {
	var rows []sessionRow
	query := `SELECT ` + selectColumns + ` FROM upload_sessions ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]*tus.Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
