package counters

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtxerr/guildpulse/internal/errors"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS cumulative_stats (
	user_id         TEXT NOT NULL,
	guild_id        TEXT NOT NULL,
	message_count   BIGINT NOT NULL DEFAULT 0,
	voice_duration  BIGINT NOT NULL DEFAULT 0,
	invite_count    BIGINT NOT NULL DEFAULT 0,
	reaction_count  BIGINT NOT NULL DEFAULT 0,
	media_count     BIGINT NOT NULL DEFAULT 0,
	command_count   BIGINT NOT NULL DEFAULT 0,
	total_words     BIGINT NOT NULL DEFAULT 0,
	daily_streak    BIGINT NOT NULL DEFAULT 0,
	stream_duration BIGINT NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, guild_id)
)`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const statsColumns = `user_id, guild_id, message_count, voice_duration, invite_count,
	reaction_count, media_count, command_count, total_words, daily_streak,
	stream_duration, updated_at`

// Increment implements Store. The field name is validated against the known
// counter set before being interpolated as a column name.
func (s *PostgresStore) Increment(ctx context.Context, key Key, field Field, delta int64) (*Stats, error) {
	column, ok := columnFor(field)
	if !ok {
		return nil, fmt.Errorf("unknown counter field %q: %w", field, errors.ErrInternal)
	}

	query := fmt.Sprintf(`
		INSERT INTO cumulative_stats (user_id, guild_id, %[1]s)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, guild_id) DO UPDATE
		SET %[1]s = cumulative_stats.%[1]s + EXCLUDED.%[1]s,
		    updated_at = now()
		RETURNING `+statsColumns, column)

	row := s.pool.QueryRow(ctx, query, key.UserID, key.GuildID, delta)
	stats, err := scanStats(row)
	if err != nil {
		return nil, fmt.Errorf("increment %s for %s/%s: %w", column, key.GuildID, key.UserID, err)
	}
	return stats, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key Key) (*Stats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+statsColumns+`
		FROM cumulative_stats
		WHERE user_id = $1 AND guild_id = $2`,
		key.UserID, key.GuildID)

	stats, err := scanStats(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats for %s/%s: %w", key.GuildID, key.UserID, err)
	}
	return stats, nil
}

func scanStats(row pgx.Row) (*Stats, error) {
	var s Stats
	err := row.Scan(
		&s.UserID, &s.GuildID,
		&s.MessageCount, &s.VoiceDuration, &s.InviteCount,
		&s.ReactionCount, &s.MediaCount, &s.CommandCount,
		&s.TotalWords, &s.DailyStreak, &s.StreamDuration,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// columnFor validates a Field and returns its column name.
func columnFor(field Field) (string, bool) {
	switch field {
	case FieldMessageCount, FieldVoiceDuration, FieldInviteCount,
		FieldReactionCount, FieldMediaCount, FieldCommandCount,
		FieldTotalWords, FieldDailyStreak, FieldStreamDuration:
		return string(field), true
	default:
		return "", false
	}
}
