package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"autopost/internal/domain"
)

// sender is the part of *tele.Bot the publisher uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
}

// Telegram publishes payloads through the Bot API.
type Telegram struct {
	bot     sender
	limiter *rate.Limiter
}

// defaultRequestTimeout bounds Bot API requests when no send timeout is set.
const defaultRequestTimeout = 30 * time.Second

// NewTelegram connects to the Bot API with token. ratePerSec paces outgoing
// requests; zero or less disables pacing.
//
// telebot calls take no context, so the deadline on Send only covers the
// rate limiter wait. sendTimeout is applied to each Bot API request through
// the HTTP client instead.
func NewTelegram(token string, ratePerSec int, sendTimeout time.Duration) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: apiClient(sendTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Info().Str("bot", b.Me.Username).Msg("telegram publisher ready")
	return newTelegram(b, ratePerSec), nil
}

func apiClient(sendTimeout time.Duration) *http.Client {
	if sendTimeout <= 0 {
		sendTimeout = defaultRequestTimeout
	}
	return &http.Client{Timeout: sendTimeout}
}

func newTelegram(s sender, ratePerSec int) *Telegram {
	lim := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &Telegram{bot: s, limiter: lim}
}

func (t *Telegram) Send(ctx context.Context, chatID int64, p Payload) error {
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{
		ParseMode:   tele.ParseMode(p.ParseMode),
		Entities:    entities(p.Entities),
		ReplyMarkup: keyboard(p.Buttons),
	}

	switch p.Kind {
	case KindAlbum:
		if len(p.Album) > 0 {
			if err := t.wait(ctx); err != nil {
				return err
			}
			if _, err := t.bot.SendAlbum(chat, album(p.Album)); err != nil {
				return fmt.Errorf("send album: %w", err)
			}
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil
		}
		return t.send(ctx, chat, p.Text, opts)
	case KindText:
		return t.send(ctx, chat, p.Text, opts)
	case KindVideoNote:
		return t.send(ctx, chat, &tele.VideoNote{File: tele.File{FileID: p.FileID}}, nil)
	}

	what, err := media(p)
	if err != nil {
		return err
	}
	return t.send(ctx, chat, what, opts)
}

func (t *Telegram) send(ctx context.Context, chat *tele.Chat, what interface{}, opts *tele.SendOptions) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	var err error
	if opts == nil {
		_, err = t.bot.Send(chat, what)
	} else {
		_, err = t.bot.Send(chat, what, opts)
	}
	if err != nil {
		return fmt.Errorf("send %T: %w", what, err)
	}
	return nil
}

func (t *Telegram) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func media(p Payload) (interface{}, error) {
	file := tele.File{FileID: p.FileID}
	switch p.Kind {
	case KindPhoto:
		return &tele.Photo{File: file, Caption: p.Text}, nil
	case KindVideo:
		return &tele.Video{File: file, Caption: p.Text}, nil
	case KindDocument:
		return &tele.Document{File: file, Caption: p.Text}, nil
	case KindVoice:
		return &tele.Voice{File: file, Caption: p.Text}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnsupported, p.Kind)
}

func album(items []domain.MediaItem) tele.Album {
	a := make(tele.Album, 0, len(items))
	for _, it := range items {
		file := tele.File{FileID: it.FileID}
		switch it.Kind {
		case domain.MediaPhoto:
			a = append(a, &tele.Photo{File: file})
		case domain.MediaVideo:
			a = append(a, &tele.Video{File: file})
		case domain.MediaDocument:
			a = append(a, &tele.Document{File: file})
		}
	}
	return a
}

func keyboard(buttons []domain.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []tele.InlineButton{{Text: b.Text, URL: b.URL}})
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func entities(es []domain.Entity) tele.Entities {
	if len(es) == 0 {
		return nil
	}
	out := make(tele.Entities, 0, len(es))
	for _, e := range es {
		out = append(out, tele.MessageEntity{
			Type:     tele.EntityType(e.Type),
			Offset:   e.Offset,
			Length:   e.Length,
			URL:      e.URL,
			Language: e.Language,
		})
	}
	return out
}
