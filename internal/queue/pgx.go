package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"autopost/internal/cycle"
	"autopost/internal/domain"
)

// A PgxConn is a pgx.Conn or pgxpool.Pool.
type PgxConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS channels (
  id TEXT PRIMARY KEY,
  chat_id BIGINT NOT NULL UNIQUE,
  username TEXT,
  title TEXT,
  owner_id BIGINT NOT NULL DEFAULT 0,
  cycle_weeks INTEGER NOT NULL DEFAULT 1 CHECK (cycle_weeks BETWEEN 1 AND 52),
  cycle_start TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
  id TEXT PRIMARY KEY,
  channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
  week_in_cycle INTEGER,
  weekday INTEGER,
  time_text TEXT,
  next_run TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle','claimed','ok','error')),
  last_error TEXT,
  claimed_at TIMESTAMPTZ,
  claimed_by TEXT,
  text TEXT,
  media JSONB,
  album JSONB,
  buttons JSONB,
  button_text TEXT,
  button_url TEXT,
  parse_mode TEXT,
  entities JSONB,
  created_by BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_next_run ON posts (next_run) WHERE next_run IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_posts_channel ON posts (channel_id);
`

// EnsurePgSchema creates the Postgres tables if they don't exist.
func EnsurePgSchema(ctx context.Context, conn PgxConn) error {
	if _, err := conn.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type pgxRepo struct{ conn PgxConn }

// NewPgxRepo returns a Postgres-backed Repository.
func NewPgxRepo(conn PgxConn) Repository { return &pgxRepo{conn: conn} }

func (r *pgxRepo) CreateChannel(ctx context.Context, c domain.Channel) (string, error) {
	id := c.ID
	if id == "" {
		id = "chn_" + uuid.NewString()
	}
	now := timeNow().UTC()
	if c.CycleStart.IsZero() {
		c.CycleStart = now
	}
	_, err := r.conn.Exec(ctx, `
INSERT INTO channels (`+channelColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		id, c.ChatID, nullStr(c.Username), nullStr(c.Title), c.OwnerID, cycle.ClampWeeks(c.CycleWeeks),
		c.CycleStart.UTC(), now)
	return id, err
}

func scanPgChannel(s scanner) (domain.Channel, error) {
	var c domain.Channel
	var username, title *string
	if err := s.Scan(&c.ID, &c.ChatID, &username, &title, &c.OwnerID, &c.CycleWeeks,
		&c.CycleStart, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Channel{}, err
	}
	c.Username, c.Title = deref(username), deref(title)
	c.CycleStart, c.CreatedAt, c.UpdatedAt = c.CycleStart.UTC(), c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, nil
}

func (r *pgxRepo) GetChannel(ctx context.Context, id string) (domain.Channel, error) {
	c, err := scanPgChannel(r.conn.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (r *pgxRepo) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		c, err := scanPgChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (r *pgxRepo) UpdateChannelCycle(ctx context.Context, id string, weeks int, start time.Time) error {
	tag, err := r.conn.Exec(ctx, `
UPDATE channels SET cycle_weeks=$1, cycle_start=$2, updated_at=$3 WHERE id=$4`,
		cycle.ClampWeeks(weeks), start.UTC(), timeNow().UTC(), id)
	return tagOne(tag, err, "channel", id)
}

func (r *pgxRepo) DeleteChannel(ctx context.Context, id string) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM posts WHERE channel_id=$1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM channels WHERE id=$1`, id)
	if err := tagOne(tag, err, "channel", id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *pgxRepo) CreatePost(ctx context.Context, p domain.Post) (string, error) {
	id := p.ID
	if id == "" {
		id = "post_" + uuid.NewString()
	}
	a, err := newPostArgs(p)
	if err != nil {
		return "", err
	}
	_, err = r.conn.Exec(ctx, `
INSERT INTO posts (id,channel_id,week_in_cycle,weekday,time_text,next_run,status,
text,media,album,buttons,button_text,button_url,parse_mode,entities,created_by,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'idle',$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)`,
		id, p.ChannelID, a.Week, a.Weekday, a.TimeText, utcPtr(p.NextRun),
		a.Text, a.Media, a.Album, a.Buttons, a.ButtonText, a.ButtonURL, a.Parse, a.Entities,
		p.CreatedBy, timeNow().UTC())
	return id, err
}

func scanPgPost(s scanner) (domain.Post, error) {
	var rec postRecord
	var nextRun, claimedAt *time.Time
	var created, updated time.Time
	err := s.Scan(&rec.ID, &rec.ChannelID, &rec.Week, &rec.Weekday, &rec.TimeText, &nextRun, &rec.Status,
		&rec.LastError, &claimedAt, &rec.ClaimedBy, &rec.Text, &rec.Media, &rec.Album, &rec.Buttons,
		&rec.ButtonText, &rec.ButtonURL, &rec.ParseMode, &rec.Entities, &rec.CreatedBy, &created, &updated)
	if err != nil {
		return domain.Post{}, err
	}
	p, err := rec.post()
	if err != nil {
		return domain.Post{}, err
	}
	p.NextRun, p.ClaimedAt = utcPtr(nextRun), utcPtr(claimedAt)
	p.CreatedAt, p.UpdatedAt = created.UTC(), updated.UTC()
	return p, nil
}

func (r *pgxRepo) GetPost(ctx context.Context, id string) (domain.Post, error) {
	p, err := scanPgPost(r.conn.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (r *pgxRepo) ListPosts(ctx context.Context, channelID string) ([]domain.Post, error) {
	rows, err := r.conn.Query(ctx, `
SELECT `+postColumns+` FROM posts WHERE channel_id=$1 ORDER BY next_run NULLS LAST, created_at`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPgPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (r *pgxRepo) DeletePost(ctx context.Context, id string) error {
	tag, err := r.conn.Exec(ctx, `DELETE FROM posts WHERE id=$1`, id)
	return tagOne(tag, err, "post", id)
}

func (r *pgxRepo) DueIDs(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]string, error) {
	rows, err := r.conn.Query(ctx, `
SELECT id FROM posts
WHERE next_run IS NOT NULL AND next_run <= $1
  AND (status <> 'claimed' OR claimed_at IS NULL OR claimed_at < $2)
ORDER BY next_run`, now.UTC(), pgStaleBefore(now, claimTimeout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgxRepo) TryClaim(ctx context.Context, id string, now time.Time, claimTimeout time.Duration, owner string) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
UPDATE posts SET status='claimed', claimed_at=$1, claimed_by=$2, updated_at=$3
WHERE id=$4 AND next_run IS NOT NULL AND next_run <= $1
  AND (status <> 'claimed' OR claimed_at IS NULL OR claimed_at < $5)`,
		now.UTC(), nullStr(owner), timeNow().UTC(), id, pgStaleBefore(now, claimTimeout))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgxRepo) RecordSuccess(ctx context.Context, id, owner string, nextRun *time.Time) error {
	tag, err := r.conn.Exec(ctx, `
UPDATE posts SET status='ok', next_run=$1, last_error=NULL, claimed_at=NULL, claimed_by=NULL, updated_at=$2
WHERE id=$3 AND status='claimed' AND claimed_by=$4`, utcPtr(nextRun), timeNow().UTC(), id, owner)
	return pgClaimHeld(tag, err, id, owner)
}

func (r *pgxRepo) RecordFailure(ctx context.Context, id, owner, reason string) error {
	tag, err := r.conn.Exec(ctx, `
UPDATE posts SET status='error', last_error=$1, claimed_at=NULL, claimed_by=NULL, updated_at=$2
WHERE id=$3 AND status='claimed' AND claimed_by=$4`, truncateReason(reason), timeNow().UTC(), id, owner)
	return pgClaimHeld(tag, err, id, owner)
}

func (r *pgxRepo) RecoverStale(ctx context.Context, now time.Time, claimTimeout time.Duration) (int, error) {
	if claimTimeout <= 0 {
		return 0, nil
	}
	tag, err := r.conn.Exec(ctx, `
UPDATE posts
SET status='error', last_error='claim expired', claimed_at=NULL, claimed_by=NULL, updated_at=$1
WHERE status='claimed' AND (claimed_at IS NULL OR claimed_at < $2)`,
		timeNow().UTC(), pgStaleBefore(now, claimTimeout))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func tagOne(tag pgconn.CommandTag, err error, kind, id string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func pgClaimHeld(tag pgconn.CommandTag, err error, id, owner string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %s by %s: %w", id, owner, ErrClaimLost)
	}
	return nil
}

// pgStaleBefore mirrors staleBefore; the zero time never matches a claim.
func pgStaleBefore(now time.Time, claimTimeout time.Duration) time.Time {
	if claimTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(-claimTimeout).UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
