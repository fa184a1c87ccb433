package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopost/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ErrClaimLost reports an outcome write from a worker whose claim expired
// and was taken over, or whose post was deleted.
var ErrClaimLost = errors.New("claim lost")

// maxErrorLen bounds the failure reason stored on a post.
const maxErrorLen = 500

var timeNow = time.Now

// Repository is the durable store of channels and posts. All writes to a
// post's next_run and status go through TryClaim, RecordSuccess and
// RecordFailure.
type Repository interface {
	CreateChannel(ctx context.Context, c domain.Channel) (string, error)
	GetChannel(ctx context.Context, id string) (domain.Channel, error)
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	UpdateChannelCycle(ctx context.Context, id string, weeks int, start time.Time) error
	DeleteChannel(ctx context.Context, id string) error

	CreatePost(ctx context.Context, p domain.Post) (string, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	ListPosts(ctx context.Context, channelID string) ([]domain.Post, error)
	DeletePost(ctx context.Context, id string) error

	// DueIDs lists posts whose next_run is at or before now and that are
	// not held by a live claim. A claim older than claimTimeout is dead;
	// claimTimeout <= 0 keeps claims forever.
	DueIDs(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]string, error)
	// TryClaim atomically marks a due, unclaimed post as claimed by owner.
	// It reports false without changing anything when the post is not due
	// or already claimed.
	TryClaim(ctx context.Context, id string, now time.Time, claimTimeout time.Duration, owner string) (bool, error)
	// RecordSuccess stores the next occurrence (nil unschedules the post)
	// and releases the claim. It only applies while owner still holds the
	// claim; otherwise it changes nothing and returns ErrClaimLost.
	RecordSuccess(ctx context.Context, id, owner string, nextRun *time.Time) error
	// RecordFailure stores reason and leaves next_run untouched so the post
	// is found again by the next scan. Same ownership rule as RecordSuccess.
	RecordFailure(ctx context.Context, id, owner, reason string) error
	// RecoverStale marks claims older than claimTimeout as failed.
	RecoverStale(ctx context.Context, now time.Time, claimTimeout time.Duration) (int, error)
}

// postRecord holds the columns shared by every engine; time columns are
// scanned by the engine itself.
type postRecord struct {
	ID         string
	ChannelID  string
	Week       *int
	Weekday    *int
	TimeText   *string
	Status     string
	LastError  *string
	ClaimedBy  *string
	Text       *string
	Media      []byte
	Album      []byte
	Buttons    []byte
	ButtonText *string
	ButtonURL  *string
	ParseMode  *string
	Entities   []byte
	CreatedBy  int64
}

func (r postRecord) post() (domain.Post, error) {
	p := domain.Post{
		ID:         r.ID,
		ChannelID:  r.ChannelID,
		Status:     domain.Status(r.Status),
		LastError:  deref(r.LastError),
		ClaimedBy:  deref(r.ClaimedBy),
		Text:       deref(r.Text),
		ButtonText: deref(r.ButtonText),
		ButtonURL:  deref(r.ButtonURL),
		ParseMode:  deref(r.ParseMode),
		CreatedBy:  r.CreatedBy,
	}
	if r.Week != nil && r.Weekday != nil && r.TimeText != nil {
		slot, err := domain.NewSlot(*r.Week, *r.Weekday, *r.TimeText)
		if err != nil {
			return domain.Post{}, fmt.Errorf("post %s: %w", r.ID, err)
		}
		p.Slot = slot
	}
	for _, c := range []struct {
		raw []byte
		dst any
	}{
		{r.Media, &p.Media},
		{r.Album, &p.Album},
		{r.Buttons, &p.Buttons},
		{r.Entities, &p.Entities},
	} {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return domain.Post{}, fmt.Errorf("post %s: decode content: %w", r.ID, err)
		}
	}
	return p, nil
}

// postArgs holds the content and slot column values of a post ready to be
// bound as query arguments.
type postArgs struct {
	Week       any
	Weekday    any
	TimeText   any
	Text       any
	Media      any
	Album      any
	Buttons    any
	ButtonText any
	ButtonURL  any
	Parse      any
	Entities   any
}

func newPostArgs(p domain.Post) (postArgs, error) {
	a := postArgs{
		Text:       nullStr(p.Text),
		ButtonText: nullStr(p.ButtonText),
		ButtonURL:  nullStr(p.ButtonURL),
		Parse:      nullStr(p.ParseMode),
	}
	if p.Slot != nil {
		a.Week, a.Weekday, a.TimeText = p.Slot.WeekInCycle, p.Slot.Weekday, p.Slot.At.String()
	}
	var err error
	if p.Media != nil {
		if a.Media, err = encodeJSON(p.Media); err != nil {
			return postArgs{}, err
		}
	}
	if len(p.Album) > 0 {
		if a.Album, err = encodeJSON(p.Album); err != nil {
			return postArgs{}, err
		}
	}
	if len(p.Buttons) > 0 {
		if a.Buttons, err = encodeJSON(p.Buttons); err != nil {
			return postArgs{}, err
		}
	}
	if len(p.Entities) > 0 {
		if a.Entities, err = encodeJSON(p.Entities); err != nil {
			return postArgs{}, err
		}
	}
	return a, nil
}

func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return string(b), nil
}

func truncateReason(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown error"
	}
	if r := []rune(s); len(r) > maxErrorLen {
		return string(r[:maxErrorLen])
	}
	return s
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
