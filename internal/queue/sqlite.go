package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autopost/internal/cycle"
	"autopost/internal/domain"
)

// EnsureSchema creates tables if they don't exist. Instants are stored as
// unix milliseconds (UTC).
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS channels (
  id TEXT PRIMARY KEY,
  chat_id INTEGER NOT NULL UNIQUE,
  username TEXT,
  title TEXT,
  owner_id INTEGER NOT NULL DEFAULT 0,
  cycle_weeks INTEGER NOT NULL DEFAULT 1 CHECK(cycle_weeks BETWEEN 1 AND 52),
  cycle_start INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
  id TEXT PRIMARY KEY,
  channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
  week_in_cycle INTEGER,
  weekday INTEGER,
  time_text TEXT,
  next_run INTEGER,
  status TEXT NOT NULL CHECK(status IN ('idle','claimed','ok','error')) DEFAULT 'idle',
  last_error TEXT,
  claimed_at INTEGER,
  claimed_by TEXT,
  text TEXT,
  media TEXT,
  album TEXT,
  buttons TEXT,
  button_text TEXT,
  button_url TEXT,
  parse_mode TEXT,
  entities TEXT,
  created_by INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_next_run ON posts(next_run) WHERE next_run IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_posts_channel ON posts(channel_id);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const channelColumns = `id,chat_id,username,title,owner_id,cycle_weeks,cycle_start,created_at,updated_at`

const postColumns = `id,channel_id,week_in_cycle,weekday,time_text,next_run,status,last_error,claimed_at,claimed_by,
text,media,album,buttons,button_text,button_url,parse_mode,entities,created_by,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) CreateChannel(ctx context.Context, c domain.Channel) (string, error) {
	id := c.ID
	if id == "" {
		id = "chn_" + uuid.NewString()
	}
	now := timeNow()
	if c.CycleStart.IsZero() {
		c.CycleStart = now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO channels (`+channelColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, c.ChatID, nullStr(c.Username), nullStr(c.Title), c.OwnerID, cycle.ClampWeeks(c.CycleWeeks),
		ms(c.CycleStart), ms(now), ms(now))
	return id, err
}

func scanChannel(s scanner) (domain.Channel, error) {
	var c domain.Channel
	var username, title *string
	var start, created, updated int64
	if err := s.Scan(&c.ID, &c.ChatID, &username, &title, &c.OwnerID, &c.CycleWeeks, &start, &created, &updated); err != nil {
		return domain.Channel{}, err
	}
	c.Username, c.Title = deref(username), deref(title)
	c.CycleStart, c.CreatedAt, c.UpdatedAt = fromMS(start), fromMS(created), fromMS(updated)
	return c, nil
}

func (r *sqliteRepo) GetChannel(ctx context.Context, id string) (domain.Channel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id=?`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (r *sqliteRepo) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (r *sqliteRepo) UpdateChannelCycle(ctx context.Context, id string, weeks int, start time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE channels SET cycle_weeks=?, cycle_start=?, updated_at=? WHERE id=?`,
		cycle.ClampWeeks(weeks), ms(start), ms(timeNow()), id)
	return affectedOne(res, err, "channel", id)
}

func (r *sqliteRepo) DeleteChannel(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE channel_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id=?`, id)
	if err := affectedOne(res, err, "channel", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) CreatePost(ctx context.Context, p domain.Post) (string, error) {
	id := p.ID
	if id == "" {
		id = "post_" + uuid.NewString()
	}
	a, err := newPostArgs(p)
	if err != nil {
		return "", err
	}
	now := ms(timeNow())
	_, err = r.db.ExecContext(ctx, `
INSERT INTO posts (id,channel_id,week_in_cycle,weekday,time_text,next_run,status,
text,media,album,buttons,button_text,button_url,parse_mode,entities,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,'idle',?,?,?,?,?,?,?,?,?,?,?)
`, id, p.ChannelID, a.Week, a.Weekday, a.TimeText, msPtr(p.NextRun),
		a.Text, a.Media, a.Album, a.Buttons, a.ButtonText, a.ButtonURL, a.Parse, a.Entities,
		p.CreatedBy, now, now)
	return id, err
}

func scanPost(s scanner) (domain.Post, error) {
	var rec postRecord
	var nextRun, claimedAt *int64
	var created, updated int64
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
	p.NextRun, p.ClaimedAt = fromMSPtr(nextRun), fromMSPtr(claimedAt)
	p.CreatedAt, p.UpdatedAt = fromMS(created), fromMS(updated)
	return p, nil
}

func (r *sqliteRepo) GetPost(ctx context.Context, id string) (domain.Post, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (r *sqliteRepo) ListPosts(ctx context.Context, channelID string) ([]domain.Post, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+postColumns+` FROM posts WHERE channel_id=? ORDER BY next_run IS NULL, next_run, created_at`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (r *sqliteRepo) DeletePost(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, id)
	return affectedOne(res, err, "post", id)
}

func (r *sqliteRepo) DueIDs(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM posts
WHERE next_run IS NOT NULL AND next_run <= ?
  AND (status <> 'claimed' OR claimed_at IS NULL OR claimed_at < ?)
ORDER BY next_run`, ms(now), staleBefore(now, claimTimeout))
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

func (r *sqliteRepo) TryClaim(ctx context.Context, id string, now time.Time, claimTimeout time.Duration, owner string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE posts SET status='claimed', claimed_at=?, claimed_by=?, updated_at=?
WHERE id=? AND next_run IS NOT NULL AND next_run <= ?
  AND (status <> 'claimed' OR claimed_at IS NULL OR claimed_at < ?)`,
		ms(now), nullStr(owner), ms(timeNow()), id, ms(now), staleBefore(now, claimTimeout))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteRepo) RecordSuccess(ctx context.Context, id, owner string, nextRun *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE posts SET status='ok', next_run=?, last_error=NULL, claimed_at=NULL, claimed_by=NULL, updated_at=?
WHERE id=? AND status='claimed' AND claimed_by=?`, msPtr(nextRun), ms(timeNow()), id, owner)
	return claimHeld(res, err, id, owner)
}

func (r *sqliteRepo) RecordFailure(ctx context.Context, id, owner, reason string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE posts SET status='error', last_error=?, claimed_at=NULL, claimed_by=NULL, updated_at=?
WHERE id=? AND status='claimed' AND claimed_by=?`, truncateReason(reason), ms(timeNow()), id, owner)
	return claimHeld(res, err, id, owner)
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time, claimTimeout time.Duration) (int, error) {
	if claimTimeout <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE posts
SET status='error', last_error='claim expired', claimed_at=NULL, claimed_by=NULL, updated_at=?
WHERE status='claimed' AND (claimed_at IS NULL OR claimed_at < ?)`, ms(timeNow()), staleBefore(now, claimTimeout))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func affectedOne(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func claimHeld(res sql.Result, err error, id, owner string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("post %s by %s: %w", id, owner, ErrClaimLost)
	}
	return nil
}

// staleBefore is the claimed_at cutoff below which a claim is dead.
func staleBefore(now time.Time, claimTimeout time.Duration) int64 {
	if claimTimeout <= 0 {
		return 0
	}
	return ms(now.Add(-claimTimeout))
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromMS(*v)
	return &t
}
