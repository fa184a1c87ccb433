// Package publish turns stored posts into deliverable payloads and sends
// them to Telegram channels.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autopost/internal/domain"
)

// ErrUnsupported marks a post whose shape the target media kind cannot carry.
var ErrUnsupported = errors.New("unsupported payload")

type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindVoice     Kind = "voice"
	KindVideoNote Kind = "video_note"
	KindAlbum     Kind = "album"
)

// Caps lists what a payload kind can carry alongside its media.
type Caps struct {
	Caption  bool
	Buttons  bool
	Entities bool
	// FollowUpText sends text and buttons as a separate message after the media.
	FollowUpText bool
}

var capsByKind = map[Kind]Caps{
	KindText:      {Caption: true, Buttons: true, Entities: true},
	KindPhoto:     {Caption: true, Buttons: true, Entities: true},
	KindVideo:     {Caption: true, Buttons: true, Entities: true},
	KindDocument:  {Caption: true, Buttons: true, Entities: true},
	KindVoice:     {Caption: true, Buttons: true, Entities: true},
	KindVideoNote: {},
	KindAlbum:     {Buttons: true, Entities: true, FollowUpText: true},
}

func Capabilities(k Kind) Caps { return capsByKind[k] }

// Payload is a post reduced to what the publisher sends.
type Payload struct {
	Kind      Kind
	FileID    string
	Album     []domain.MediaItem
	Text      string
	ParseMode string
	Entities  []domain.Entity
	// Buttons holds one button per keyboard row.
	Buttons []domain.Button
}

// Publisher delivers a payload to a chat.
type Publisher interface {
	Send(ctx context.Context, chatID int64, p Payload) error
}

// Build derives the payload of a post and checks it against the capability
// table of its kind.
func Build(post domain.Post) (Payload, error) {
	p := Payload{
		Text:     post.Text,
		Entities: post.Entities,
		Buttons:  buttons(post),
	}
	switch {
	case len(post.Album) > 0:
		p.Kind = KindAlbum
		for _, it := range post.Album {
			switch it.Kind {
			case domain.MediaPhoto, domain.MediaVideo, domain.MediaDocument:
				if strings.TrimSpace(it.FileID) != "" {
					p.Album = append(p.Album, it)
				}
			}
		}
	case post.Media == nil || post.Media.Kind == domain.MediaNone:
		p.Kind = KindText
	default:
		p.Kind = Kind(post.Media.Kind)
		if _, ok := capsByKind[p.Kind]; !ok || p.Kind == KindText || p.Kind == KindAlbum {
			return Payload{}, fmt.Errorf("%w: media type %q", ErrUnsupported, post.Media.Kind)
		}
		if strings.TrimSpace(post.Media.FileID) == "" {
			return Payload{}, fmt.Errorf("%w: %s without file id", ErrUnsupported, p.Kind)
		}
		p.FileID = post.Media.FileID
	}

	switch {
	case post.ParseMode != "":
		p.ParseMode = post.ParseMode
	case len(p.Entities) > 0:
	default:
		p.ParseMode = DetectParseMode(p.Text)
	}

	if err := p.check(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) check() error {
	c := Capabilities(p.Kind)
	hasText := strings.TrimSpace(p.Text) != ""
	switch {
	case p.Kind == KindText && !hasText:
		return fmt.Errorf("%w: empty text", ErrUnsupported)
	case p.Kind == KindAlbum && len(p.Album) == 0 && !hasText:
		return fmt.Errorf("%w: album has no photo, video or document", ErrUnsupported)
	case hasText && !c.Caption && !c.FollowUpText:
		return fmt.Errorf("%w: %s cannot carry text", ErrUnsupported, p.Kind)
	case len(p.Buttons) > 0 && !c.Buttons:
		return fmt.Errorf("%w: %s cannot carry buttons", ErrUnsupported, p.Kind)
	case len(p.Buttons) > 0 && c.FollowUpText && !hasText:
		return fmt.Errorf("%w: %s buttons need text", ErrUnsupported, p.Kind)
	case len(p.Entities) > 0 && !c.Entities:
		return fmt.Errorf("%w: %s cannot carry entities", ErrUnsupported, p.Kind)
	}
	return nil
}

// buttons merges the button list with the legacy single button, which goes
// last. Buttons missing text or URL are skipped.
func buttons(post domain.Post) []domain.Button {
	var out []domain.Button
	add := func(b domain.Button) {
		b.Text, b.URL = strings.TrimSpace(b.Text), strings.TrimSpace(b.URL)
		if b.Text != "" && b.URL != "" {
			out = append(out, b)
		}
	}
	for _, b := range post.Buttons {
		add(b)
	}
	add(domain.Button{Text: post.ButtonText, URL: post.ButtonURL})
	return out
}

// DetectParseMode guesses the markup a text was written in: HTML when it
// contains tags, MarkdownV2 when it contains Markdown specials, none otherwise.
func DetectParseMode(text string) string {
	if text == "" {
		return ""
	}
	for _, tag := range []string{"<b>", "<i>", "<u>", "<a ", "</"} {
		if strings.Contains(text, tag) {
			return "HTML"
		}
	}
	if strings.ContainsAny(text, "*_~`[]()>#") {
		return "MarkdownV2"
	}
	return ""
}
