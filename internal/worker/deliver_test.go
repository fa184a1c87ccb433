package worker

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"autopost/internal/cycle"
	"autopost/internal/domain"
	"autopost/internal/publish"
	"autopost/internal/queue"
)

var moscow = cycle.MustClock("Europe/Moscow")

// now is Wednesday 2024-01-10 09:00:30 Moscow time.
var now = time.Date(2024, 1, 10, 6, 0, 30, 0, time.UTC)

type fakePublisher struct {
	mu    sync.Mutex
	sent  []publish.Payload
	chats []int64
	err   error
	panic bool
	// during runs before the send completes.
	during func()
}

func (f *fakePublisher) Send(_ context.Context, chatID int64, p publish.Payload) error {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("telegram exploded")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, p)
	f.chats = append(f.chats, chatID)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return queue.NewSQLiteRepo(db)
}

func seed(t *testing.T, repo queue.Repository, p domain.Post) string {
	t.Helper()
	ctx := context.Background()
	if p.ChannelID == "" {
		chID, err := repo.CreateChannel(ctx, domain.Channel{
			ChatID:     -1001,
			CycleWeeks: 1,
			CycleStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		p.ChannelID = chID
	}
	if p.NextRun == nil {
		due := now.Add(-time.Minute)
		p.NextRun = &due
	}
	if p.Text == "" && p.Media == nil {
		p.Text = "hello"
	}
	id, err := repo.CreatePost(ctx, p)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	return id
}

func wedSlot(t *testing.T) *domain.Slot {
	t.Helper()
	s, err := domain.NewSlot(0, 2, "09:00")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func getPost(t *testing.T, repo queue.Repository, id string) domain.Post {
	t.Helper()
	p, err := repo.GetPost(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	return p
}

func TestDeliverSuccess(t *testing.T) {
	repo := newRepo(t)
	pub := &fakePublisher{}
	d := NewDeliverer(repo, pub, moscow, Options{ClaimTimeout: 10 * time.Minute})
	id := seed(t, repo, domain.Post{Slot: wedSlot(t)})

	if got := d.Deliver(context.Background(), id, now); got != Delivered {
		t.Fatalf("Deliver = %v, want delivered", got)
	}
	if pub.count() != 1 || pub.chats[0] != -1001 {
		t.Fatalf("sent %d payloads to %v", pub.count(), pub.chats)
	}

	p := getPost(t, repo, id)
	want := time.Date(2024, 1, 17, 6, 0, 0, 0, time.UTC)
	if p.NextRun == nil || !p.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", p.NextRun, want)
	}
	if p.Status != domain.StatusOK || p.ClaimedBy != "" {
		t.Errorf("status = %s claimed_by = %q", p.StatusText(), p.ClaimedBy)
	}

	if got := d.Deliver(context.Background(), id, now.Add(time.Second)); got != NotDue {
		t.Errorf("second Deliver = %v, want not_due", got)
	}
	if pub.count() != 1 {
		t.Errorf("post sent %d times, want once", pub.count())
	}
}

func TestDeliverOneShot(t *testing.T) {
	repo := newRepo(t)
	d := NewDeliverer(repo, &fakePublisher{}, moscow, Options{})
	id := seed(t, repo, domain.Post{})

	if got := d.Deliver(context.Background(), id, now); got != Delivered {
		t.Fatalf("Deliver = %v, want delivered", got)
	}
	if p := getPost(t, repo, id); p.NextRun != nil {
		t.Errorf("one-shot post rescheduled at %v", p.NextRun)
	}
}

func TestDeliverFailureRetries(t *testing.T) {
	repo := newRepo(t)
	pub := &fakePublisher{err: errors.New("Forbidden: bot is not a member")}
	d := NewDeliverer(repo, pub, moscow, Options{ClaimTimeout: 10 * time.Minute})
	id := seed(t, repo, domain.Post{Slot: wedSlot(t)})
	before := getPost(t, repo, id).NextRun

	if got := d.Deliver(context.Background(), id, now); got != Failed {
		t.Fatalf("Deliver = %v, want failed", got)
	}
	p := getPost(t, repo, id)
	if !p.NextRun.Equal(*before) {
		t.Errorf("next_run moved from %v to %v", before, p.NextRun)
	}
	if !strings.HasPrefix(p.StatusText(), "error:") || !strings.Contains(p.LastError, "not a member") {
		t.Errorf("status = %q", p.StatusText())
	}

	ids, err := repo.DueIDs(context.Background(), now.Add(10*time.Second), 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("due after failure = %v, want [%s]", ids, id)
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	if got := d.Deliver(context.Background(), id, now.Add(10*time.Second)); got != Delivered {
		t.Errorf("retry = %v, want delivered", got)
	}
}

func TestDeliverFailures(t *testing.T) {
	tests := []struct {
		name   string
		post   domain.Post
		pub    *fakePublisher
		reason string
	}{{
		name:   "missing channel",
		post:   domain.Post{ChannelID: "chn_gone"},
		pub:    &fakePublisher{},
		reason: "channel not found",
	}, {
		name:   "video note with caption",
		post:   domain.Post{Text: "hi", Media: &domain.MediaItem{Kind: domain.MediaVideoNote, FileID: "DQAD"}},
		pub:    &fakePublisher{},
		reason: "unsupported payload",
	}, {
		name:   "publisher panic",
		post:   domain.Post{},
		pub:    &fakePublisher{panic: true},
		reason: "publisher panic",
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			d := NewDeliverer(repo, tt.pub, moscow, Options{})
			id := seed(t, repo, tt.post)

			if got := d.Deliver(context.Background(), id, now); got != Failed {
				t.Fatalf("Deliver = %v, want failed", got)
			}
			p := getPost(t, repo, id)
			if p.Status != domain.StatusError || !strings.Contains(p.LastError, tt.reason) {
				t.Errorf("status = %q, want error containing %q", p.StatusText(), tt.reason)
			}
			if p.NextRun == nil {
				t.Error("failure cleared next_run")
			}
			if n := tt.pub.count(); n != 0 {
				t.Errorf("sent %d payloads", n)
			}
		})
	}
}

func TestDeliverClaimTakenOverMidSend(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "sent", want: Delivered},
		{name: "send failed", err: errors.New("Bad Gateway"), want: Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t)
			id := seed(t, repo, domain.Post{Slot: wedSlot(t)})
			timeout := 10 * time.Minute
			pub := &fakePublisher{err: tt.err, during: func() {
				ok, err := repo.TryClaim(context.Background(), id, now.Add(11*time.Minute), timeout, "worker-other")
				if !ok || err != nil {
					t.Errorf("takeover claim = %v, %v", ok, err)
				}
			}}
			d := NewDeliverer(repo, pub, moscow, Options{ClaimTimeout: timeout})

			if got := d.Deliver(context.Background(), id, now); got != tt.want {
				t.Errorf("Deliver = %v, want %v", got, tt.want)
			}
			p := getPost(t, repo, id)
			if p.Status != domain.StatusClaimed || p.ClaimedBy != "worker-other" {
				t.Errorf("status = %s claimed_by = %q, want claim kept by worker-other", p.StatusText(), p.ClaimedBy)
			}
			if want := now.Add(-time.Minute); p.NextRun == nil || !p.NextRun.Equal(want) {
				t.Errorf("next_run = %v, want unchanged %v", p.NextRun, want)
			}
		})
	}
}

func TestDeliverNotDue(t *testing.T) {
	repo := newRepo(t)
	pub := &fakePublisher{}
	d := NewDeliverer(repo, pub, moscow, Options{})
	later := now.Add(time.Hour)
	id := seed(t, repo, domain.Post{NextRun: &later})

	if got := d.Deliver(context.Background(), id, now); got != NotDue {
		t.Errorf("Deliver = %v, want not_due", got)
	}
	if got := d.Deliver(context.Background(), "post_missing", now); got != NotDue {
		t.Errorf("Deliver(missing) = %v, want not_due", got)
	}
	if pub.count() != 0 {
		t.Errorf("sent %d payloads", pub.count())
	}
	if p := getPost(t, repo, id); p.Status != domain.StatusIdle {
		t.Errorf("status = %s, want idle", p.Status)
	}
}

func TestDeliverConcurrent(t *testing.T) {
	repo := newRepo(t)
	pub := &fakePublisher{}
	id := seed(t, repo, domain.Post{Slot: wedSlot(t)})

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := NewDeliverer(repo, pub, moscow, Options{ClaimTimeout: 10 * time.Minute})
			outcomes <- d.Deliver(context.Background(), id, now)
		}()
	}
	wg.Wait()
	close(outcomes)

	delivered := 0
	for o := range outcomes {
		if o == Delivered {
			delivered++
		}
	}
	if delivered != 1 || pub.count() != 1 {
		t.Errorf("delivered %d times, sent %d; want exactly one", delivered, pub.count())
	}
}
