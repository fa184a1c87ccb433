package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	tele "gopkg.in/telebot.v4"

	"autopost/internal/domain"
)

type sent struct {
	to    string
	what  interface{}
	opts  []interface{}
	album tele.Album
}

type fakeSender struct {
	sent []sent
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.sent = append(f.sent, sent{to: to.Recipient(), what: what, opts: opts})
	return &tele.Message{}, f.err
}

func (f *fakeSender) SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error) {
	f.sent = append(f.sent, sent{to: to.Recipient(), album: a, opts: opts})
	return nil, f.err
}

func TestTelegramText(t *testing.T) {
	f := &fakeSender{}
	tg := newTelegram(f, 0)
	p := Payload{
		Kind:      KindText,
		Text:      "<b>hi</b>",
		ParseMode: "HTML",
		Buttons:   []domain.Button{{Text: "a", URL: "https://a"}, {Text: "b", URL: "https://b"}},
	}
	if err := tg.Send(context.Background(), -1001, p); err != nil {
		t.Fatal(err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sent))
	}
	s := f.sent[0]
	if s.to != "-1001" || s.what != "<b>hi</b>" {
		t.Errorf("sent %q to %s", s.what, s.to)
	}
	opts := s.opts[0].(*tele.SendOptions)
	if opts.ParseMode != tele.ModeHTML {
		t.Errorf("parse mode = %q", opts.ParseMode)
	}
	var got []domain.Button
	for _, row := range opts.ReplyMarkup.InlineKeyboard {
		for _, b := range row {
			got = append(got, domain.Button{Text: b.Text, URL: b.URL})
		}
	}
	if diff := cmp.Diff(p.Buttons, got); diff != "" {
		t.Errorf("keyboard (-want +got):\n%s", diff)
	}
	if len(opts.ReplyMarkup.InlineKeyboard) != 2 {
		t.Errorf("keyboard has %d rows, want one per button", len(opts.ReplyMarkup.InlineKeyboard))
	}
}

func TestTelegramMedia(t *testing.T) {
	f := &fakeSender{}
	tg := newTelegram(f, 0)
	p := Payload{
		Kind:     KindPhoto,
		FileID:   "AgAD",
		Text:     "look",
		Entities: []domain.Entity{{Type: "bold", Offset: 0, Length: 4}},
	}
	if err := tg.Send(context.Background(), 7, p); err != nil {
		t.Fatal(err)
	}
	photo, ok := f.sent[0].what.(*tele.Photo)
	if !ok {
		t.Fatalf("sent %T, want *tele.Photo", f.sent[0].what)
	}
	if photo.FileID != "AgAD" || photo.Caption != "look" {
		t.Errorf("photo = %+v", photo)
	}
	opts := f.sent[0].opts[0].(*tele.SendOptions)
	if len(opts.Entities) != 1 || opts.Entities[0].Type != tele.EntityBold {
		t.Errorf("entities = %+v", opts.Entities)
	}
	if opts.ReplyMarkup != nil {
		t.Errorf("unexpected keyboard %+v", opts.ReplyMarkup)
	}
}

func TestTelegramVideoNote(t *testing.T) {
	f := &fakeSender{}
	if err := newTelegram(f, 0).Send(context.Background(), 7, Payload{Kind: KindVideoNote, FileID: "DQAD"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.sent[0].what.(*tele.VideoNote); !ok || len(f.sent[0].opts) != 0 {
		t.Errorf("sent %T with %d options", f.sent[0].what, len(f.sent[0].opts))
	}
}

func TestTelegramAlbumFollowUp(t *testing.T) {
	f := &fakeSender{}
	p := Payload{
		Kind:    KindAlbum,
		Text:    "caption below",
		Album:   []domain.MediaItem{{Kind: domain.MediaPhoto, FileID: "p1"}, {Kind: domain.MediaVideo, FileID: "v1"}},
		Buttons: []domain.Button{{Text: "go", URL: "https://x"}},
	}
	if err := newTelegram(f, 0).Send(context.Background(), 7, p); err != nil {
		t.Fatal(err)
	}
	if len(f.sent) != 2 {
		t.Fatalf("sent %d messages, want album and follow-up", len(f.sent))
	}
	if len(f.sent[0].album) != 2 {
		t.Errorf("album size = %d, want 2", len(f.sent[0].album))
	}
	if f.sent[1].what != "caption below" {
		t.Errorf("follow-up = %v", f.sent[1].what)
	}
	if opts := f.sent[1].opts[0].(*tele.SendOptions); opts.ReplyMarkup == nil {
		t.Error("follow-up has no keyboard")
	}
}

func TestTelegramErrors(t *testing.T) {
	boom := errors.New("chat not found")
	f := &fakeSender{err: boom}
	if err := newTelegram(f, 0).Send(context.Background(), 7, Payload{Kind: KindText, Text: "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f = &fakeSender{}
	if err := newTelegram(f, 1).Send(ctx, 7, Payload{Kind: KindText, Text: "x"}); err == nil {
		t.Error("send with cancelled context succeeded")
	}
	if len(f.sent) != 0 {
		t.Errorf("sent %d messages after cancel", len(f.sent))
	}
}

func TestAPIClientTimeout(t *testing.T) {
	tests := map[time.Duration]time.Duration{
		45 * time.Second: 45 * time.Second,
		0:                defaultRequestTimeout,
		-time.Second:     defaultRequestTimeout,
	}
	for in, want := range tests {
		if got := apiClient(in).Timeout; got != want {
			t.Errorf("apiClient(%s).Timeout = %s, want %s", in, got, want)
		}
	}
}
