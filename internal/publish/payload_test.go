package publish

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"autopost/internal/domain"
)

func TestBuild(t *testing.T) {
	ents := []domain.Entity{{Type: "bold", Offset: 0, Length: 4}}
	tests := []struct {
		name string
		post domain.Post
		want Payload
	}{{
		name: "plain text",
		post: domain.Post{Text: "hello"},
		want: Payload{Kind: KindText, Text: "hello"},
	}, {
		name: "html detected",
		post: domain.Post{Text: "<b>hi</b>"},
		want: Payload{Kind: KindText, Text: "<b>hi</b>", ParseMode: "HTML"},
	}, {
		name: "entities disable detection",
		post: domain.Post{Text: "bold *x*", Entities: ents},
		want: Payload{Kind: KindText, Text: "bold *x*", Entities: ents},
	}, {
		name: "explicit parse mode wins",
		post: domain.Post{Text: "bold *x*", Entities: ents, ParseMode: "HTML"},
		want: Payload{Kind: KindText, Text: "bold *x*", Entities: ents, ParseMode: "HTML"},
	}, {
		name: "photo with caption and buttons",
		post: domain.Post{
			Text:       "caption",
			Media:      &domain.MediaItem{Kind: domain.MediaPhoto, FileID: "AgAD"},
			Buttons:    []domain.Button{{Text: "a", URL: "https://a"}, {Text: " ", URL: "https://skip"}, {Text: "b", URL: "https://b"}},
			ButtonText: "legacy",
			ButtonURL:  "https://legacy",
		},
		want: Payload{
			Kind:   KindPhoto,
			FileID: "AgAD",
			Text:   "caption",
			Buttons: []domain.Button{
				{Text: "a", URL: "https://a"},
				{Text: "b", URL: "https://b"},
				{Text: "legacy", URL: "https://legacy"},
			},
		},
	}, {
		name: "bare video note",
		post: domain.Post{Media: &domain.MediaItem{Kind: domain.MediaVideoNote, FileID: "DQAD"}},
		want: Payload{Kind: KindVideoNote, FileID: "DQAD"},
	}, {
		name: "album keeps sendable items",
		post: domain.Post{
			Text: "after",
			Album: []domain.MediaItem{
				{Kind: domain.MediaPhoto, FileID: "p1"},
				{Kind: domain.MediaVoice, FileID: "v1"},
				{Kind: domain.MediaDocument, FileID: "d1"},
			},
		},
		want: Payload{
			Kind: KindAlbum,
			Text: "after",
			Album: []domain.MediaItem{
				{Kind: domain.MediaPhoto, FileID: "p1"},
				{Kind: domain.MediaDocument, FileID: "d1"},
			},
		},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.post)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Build (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildUnsupported(t *testing.T) {
	note := &domain.MediaItem{Kind: domain.MediaVideoNote, FileID: "DQAD"}
	tests := []struct {
		name string
		post domain.Post
	}{
		{"empty text", domain.Post{Text: "  "}},
		{"video note with caption", domain.Post{Media: note, Text: "hi"}},
		{"video note with button", domain.Post{Media: note, ButtonText: "go", ButtonURL: "https://x"}},
		{"unknown media", domain.Post{Media: &domain.MediaItem{Kind: "sticker", FileID: "x"}, Text: "hi"}},
		{"media without file", domain.Post{Media: &domain.MediaItem{Kind: domain.MediaPhoto}}},
		{"empty album", domain.Post{Album: []domain.MediaItem{{Kind: domain.MediaVoice, FileID: "v"}}}},
		{"album buttons without text", domain.Post{
			Album:   []domain.MediaItem{{Kind: domain.MediaPhoto, FileID: "p"}},
			Buttons: []domain.Button{{Text: "go", URL: "https://x"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.post); !errors.Is(err, ErrUnsupported) {
				t.Errorf("Build err = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	if c := Capabilities(KindVideoNote); c.Caption || c.Buttons || c.Entities {
		t.Errorf("video note caps = %+v, want none", c)
	}
	if c := Capabilities(KindAlbum); c.Caption || !c.FollowUpText {
		t.Errorf("album caps = %+v", c)
	}
	for _, k := range []Kind{KindText, KindPhoto, KindVideo, KindDocument, KindVoice} {
		if c := Capabilities(k); !c.Buttons || !c.Entities {
			t.Errorf("%s caps = %+v, want buttons and entities", k, c)
		}
	}
}

func TestDetectParseMode(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"plain words":       "",
		"<i>x</i>":          "HTML",
		`<a href="u">x</a>`: "HTML",
		"a_b":               "MarkdownV2",
		"# title":           "MarkdownV2",
		"price (approx) 5":  "MarkdownV2",
		"<b>and *markdown*": "HTML",
	}
	for in, want := range tests {
		if got := DetectParseMode(in); got != want {
			t.Errorf("DetectParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}
