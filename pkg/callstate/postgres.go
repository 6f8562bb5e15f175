// Package callstate is the Call-State Store: durable persistence for calls
// and participants, backing the Recipient-Map and session reconnection.
// Grounded on the DB-interface/schema/Migrate shape used elsewhere in this
// codebase for pgx-backed stores.
package callstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// Schema is the SQL DDL for the calls and participants tables.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    id            TEXT PRIMARY KEY,
    call_language TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'initiating',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS participants (
    call_id           TEXT NOT NULL REFERENCES calls(id),
    user_id           TEXT NOT NULL,
    spoken_lang       TEXT NOT NULL,
    dubbing_required  BOOLEAN NOT NULL DEFAULT false,
    voice_profile_ref TEXT NOT NULL DEFAULT '',
    joined_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    left_at           TIMESTAMPTZ,
    PRIMARY KEY (call_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_participants_call ON participants(call_id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a pgx-backed Call-State Store.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes Schema, creating the calls/participants tables if absent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("callstate: migrate: %w", err)
	}
	return nil
}

// CreateCall inserts a new call row. Status defaults to CallInitiating.
func (s *Store) CreateCall(ctx context.Context, call *pipeline.Call) error {
	const query = `
		INSERT INTO calls (id, call_language, status)
		VALUES ($1, $2, $3)
		RETURNING created_at`
	if call.Status == "" {
		call.Status = pipeline.CallInitiating
	}
	err := s.db.QueryRow(ctx, query, call.ID, string(call.CallLanguage), string(call.Status)).Scan(&call.CreatedAt)
	if err != nil {
		return fmt.Errorf("callstate: create call %q: %w", call.ID, err)
	}
	return nil
}

// UpdateCallStatus transitions a call's coarse status.
func (s *Store) UpdateCallStatus(ctx context.Context, callID string, status pipeline.CallStatus) error {
	const query = `UPDATE calls SET status = $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, callID, string(status))
	if err != nil {
		return fmt.Errorf("callstate: update call status %q: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callstate: call %q not found", callID)
	}
	return nil
}

// Join inserts a new participant row, or re-activates a previously-left
// participant rejoining the same call (clears left_at).
func (s *Store) Join(ctx context.Context, p pipeline.Participant) error {
	const query = `
		INSERT INTO participants (call_id, user_id, spoken_lang, dubbing_required, voice_profile_ref)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, user_id) DO UPDATE SET
			spoken_lang = EXCLUDED.spoken_lang,
			dubbing_required = EXCLUDED.dubbing_required,
			voice_profile_ref = EXCLUDED.voice_profile_ref,
			left_at = NULL,
			joined_at = now()`
	_, err := s.db.Exec(ctx, query, p.CallID, p.UserID, string(p.SpokenLang), p.DubbingRequired, p.VoiceProfileRef)
	if err != nil {
		return fmt.Errorf("callstate: join %q/%q: %w", p.CallID, p.UserID, err)
	}
	return nil
}

// Leave marks a participant as having left the call.
func (s *Store) Leave(ctx context.Context, callID, userID string) error {
	const query = `UPDATE participants SET left_at = now() WHERE call_id = $1 AND user_id = $2`
	_, err := s.db.Exec(ctx, query, callID, userID)
	if err != nil {
		return fmt.Errorf("callstate: leave %q/%q: %w", callID, userID, err)
	}
	return nil
}

// ParticipantsForCall returns every participant ever joined to callID,
// including ones who have since left (callers filter on Left()).
func (s *Store) ParticipantsForCall(ctx context.Context, callID string) ([]pipeline.Participant, error) {
	const query = `
		SELECT call_id, user_id, spoken_lang, dubbing_required, voice_profile_ref, joined_at, left_at
		FROM participants
		WHERE call_id = $1
		ORDER BY joined_at`
	rows, err := s.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("callstate: participants for call %q: %w", callID, err)
	}
	defer rows.Close()

	var out []pipeline.Participant
	for rows.Next() {
		var p pipeline.Participant
		var spokenLang string
		var leftAt *time.Time
		if err := rows.Scan(&p.CallID, &p.UserID, &spokenLang, &p.DubbingRequired, &p.VoiceProfileRef, &p.JoinedAt, &leftAt); err != nil {
			return nil, fmt.Errorf("callstate: scan participant: %w", err)
		}
		p.SpokenLang = pipeline.Language(spokenLang)
		if leftAt != nil {
			p.LeftAt = *leftAt
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstate: participants for call %q: %w", callID, err)
	}
	return out, nil
}

// GetCall retrieves a call by ID. It returns (nil, nil) if not found.
func (s *Store) GetCall(ctx context.Context, callID string) (*pipeline.Call, error) {
	const query = `SELECT id, call_language, status, created_at FROM calls WHERE id = $1`
	var c pipeline.Call
	var lang, status string
	err := s.db.QueryRow(ctx, query, callID).Scan(&c.ID, &lang, &status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("callstate: get call %q: %w", callID, err)
	}
	c.CallLanguage = pipeline.Language(lang)
	c.Status = pipeline.CallStatus(status)
	return &c, nil
}
