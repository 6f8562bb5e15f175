// Package transcript is the Transcript Store:
// append-only persistence of every delivered translation, independent of
// the Delivery Bus's best-effort fan-out. Grounded on the same pgx
// DB-interface/schema/Migrate shape as pkg/callstate.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// Schema is the SQL DDL for the transcript_entries table.
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id               BIGSERIAL PRIMARY KEY,
    call_id          TEXT NOT NULL,
    speaker_user_id  TEXT NOT NULL,
    original_lang    TEXT NOT NULL,
    original_text    TEXT NOT NULL,
    target_lang      TEXT NOT NULL,
    translated_text  TEXT NOT NULL,
    timestamp_ms     BIGINT NOT NULL,
    tts_method       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_call ON transcript_entries(call_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_created ON transcript_entries(created_at);
`

// DB is the database interface used by [Store].
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a pgx-backed Transcript Store.
type Store struct {
	db             DB
	retentionHours int
	logger         pipeline.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l pipeline.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(db DB, retentionHours int, opts ...Option) *Store {
	s := &Store{db: db, retentionHours: retentionHours, logger: &pipeline.NoOpLogger{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Append persists one TranscriptEntry. Entries are never updated or deleted
// except by the retention purge job.
func (s *Store) Append(ctx context.Context, e pipeline.TranscriptEntry) error {
	const query = `
		INSERT INTO transcript_entries
			(call_id, speaker_user_id, original_lang, original_text, target_lang, translated_text, timestamp_ms, tts_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query,
		e.CallID, e.SpeakerUserID, string(e.OriginalLang), e.OriginalText,
		string(e.TargetLang), e.TranslatedText, e.TimestampMS, e.TTSMethod)
	if err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// ForCall returns every transcript entry for callID, ordered by timestamp.
func (s *Store) ForCall(ctx context.Context, callID string) ([]pipeline.TranscriptEntry, error) {
	const query = `
		SELECT call_id, speaker_user_id, original_lang, original_text, target_lang, translated_text, timestamp_ms, tts_method
		FROM transcript_entries
		WHERE call_id = $1
		ORDER BY timestamp_ms`
	rows, err := s.db.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("transcript: for call %q: %w", callID, err)
	}
	defer rows.Close()

	var out []pipeline.TranscriptEntry
	for rows.Next() {
		var e pipeline.TranscriptEntry
		var originalLang, targetLang string
		if err := rows.Scan(&e.CallID, &e.SpeakerUserID, &originalLang, &e.OriginalText, &targetLang, &e.TranslatedText, &e.TimestampMS, &e.TTSMethod); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		e.OriginalLang = pipeline.Language(originalLang)
		e.TargetLang = pipeline.Language(targetLang)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: for call %q: %w", callID, err)
	}
	return out, nil
}

// PurgeOlderThan deletes every entry created before cutoff and returns the
// number of rows removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM transcript_entries WHERE created_at < $1`
	tag, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("transcript: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartRetentionJob schedules a daily purge of entries older than
// retentionHours, using robfig/cron. Callers must call Stop on the returned
// *cron.Cron during shutdown.
func (s *Store) StartRetentionJob(schedule string) (*cron.Cron, error) {
	if schedule == "" {
		schedule = "0 3 * * *" // daily at 03:00
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		cutoff := timeNow().Add(-time.Duration(s.retentionHours) * time.Hour)
		n, err := s.PurgeOlderThan(context.Background(), cutoff)
		if err != nil {
			s.logger.Error("transcript retention purge failed", "error", err)
			return
		}
		s.logger.Info("transcript retention purge complete", "rows_deleted", n)
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: schedule retention job: %w", err)
	}
	c.Start()
	return c, nil
}

// timeNow is a var so tests can substitute a fixed clock.
var timeNow = time.Now
