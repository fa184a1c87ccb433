package domain

import (
	"time"

	"autopost/internal/cycle"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusClaimed Status = "claimed"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

type Channel struct {
	ID         string    `json:"id"`
	ChatID     int64     `json:"chat_id"`
	Username   string    `json:"username,omitempty"`
	Title      string    `json:"title,omitempty"`
	OwnerID    int64     `json:"owner_id"`
	CycleWeeks int       `json:"cycle_weeks"`
	CycleStart time.Time `json:"cycle_start"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
)

type MediaItem struct {
	Kind   MediaKind `json:"type"`
	FileID string    `json:"file_id"`
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Entity is a Telegram message entity applied to the text or caption.
type Entity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// Post is one recurring slot bound to a channel together with the content
// handle the publisher needs.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`

	// Slot. A post without Slot is delivered once and then unscheduled.
	Slot *Slot `json:"slot,omitempty"`

	NextRun   *time.Time `json:"next_run,omitempty"`
	Status    Status     `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy string     `json:"claimed_by,omitempty"`

	Text       string      `json:"text,omitempty"`
	Media      *MediaItem  `json:"media,omitempty"`
	Album      []MediaItem `json:"album,omitempty"`
	Buttons    []Button    `json:"buttons,omitempty"`
	ButtonText string      `json:"button_text,omitempty"`
	ButtonURL  string      `json:"button_url,omitempty"`
	ParseMode  string      `json:"parse_mode,omitempty"`
	Entities   []Entity    `json:"entities,omitempty"`

	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Slot struct {
	WeekInCycle int             `json:"week_in_cycle"`
	Weekday     int             `json:"weekday"`
	At          cycle.TimeOfDay `json:"-"`
	Time        string          `json:"time"`
}

// StatusText renders the delivery state the way operators read it:
// "error:<reason>" for failures, the bare status otherwise.
func (p Post) StatusText() string {
	if p.Status == StatusError && p.LastError != "" {
		return string(StatusError) + ":" + p.LastError
	}
	return string(p.Status)
}

// Cycle combines the post's slot with its channel's cycle definition.
func (p Post) Cycle(ch Channel) (cycle.Cycle, bool) {
	if p.Slot == nil {
		return cycle.Cycle{}, false
	}
	return cycle.Cycle{
		Weeks:       ch.CycleWeeks,
		Start:       ch.CycleStart,
		WeekInCycle: p.Slot.WeekInCycle,
		Weekday:     p.Slot.Weekday,
		At:          p.Slot.At,
	}, true
}

// NewSlot builds a slot from its stored text form.
func NewSlot(week, weekday int, at string) (*Slot, error) {
	t, err := cycle.ParseTimeOfDay(at)
	if err != nil {
		return nil, err
	}
	return &Slot{WeekInCycle: week, Weekday: weekday, At: t, Time: t.String()}, nil
}
