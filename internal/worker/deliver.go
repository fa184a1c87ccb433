package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"autopost/internal/cycle"
	"autopost/internal/publish"
	"autopost/internal/queue"
)

type Outcome int

const (
	// NotDue means the post was not due or another worker holds it.
	NotDue Outcome = iota
	Delivered
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotDue:
		return "not_due"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Handler processes one due post id.
type Handler interface {
	Deliver(ctx context.Context, id string, now time.Time) Outcome
}

type Options struct {
	ClaimTimeout time.Duration
	// SendTimeout is the deadline passed to the publisher; zero means none.
	// It must stay below ClaimTimeout or a slow send loses its claim.
	SendTimeout time.Duration
}

// Deliverer claims a post, publishes it and records the outcome.
type Deliverer struct {
	repo         queue.Repository
	pub          publish.Publisher
	clock        *cycle.Clock
	owner        string
	claimTimeout atomic.Int64
	sendTimeout  time.Duration
}

func NewDeliverer(repo queue.Repository, pub publish.Publisher, clk *cycle.Clock, opts Options) *Deliverer {
	d := &Deliverer{
		repo:        repo,
		pub:         pub,
		clock:       clk,
		owner:       "worker-" + uuid.NewString()[:8],
		sendTimeout: opts.SendTimeout,
	}
	d.claimTimeout.Store(int64(opts.ClaimTimeout))
	return d
}

// SetClaimTimeout changes the claim timeout used by later deliveries.
func (d *Deliverer) SetClaimTimeout(t time.Duration) { d.claimTimeout.Store(int64(t)) }

func (d *Deliverer) Deliver(ctx context.Context, id string, now time.Time) Outcome {
	ok, err := d.repo.TryClaim(ctx, id, now, time.Duration(d.claimTimeout.Load()), d.owner)
	if err != nil {
		log.Error().Err(err).Str("post_id", id).Msg("claim failed")
		return NotDue
	}
	if !ok {
		log.Debug().Str("post_id", id).Msg("skip post: not due or already claimed")
		return NotDue
	}

	// Outcomes are recorded even when ctx is cancelled mid-send so the claim
	// does not linger until it times out.
	rctx := context.WithoutCancel(ctx)

	post, err := d.repo.GetPost(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		log.Warn().Str("post_id", id).Msg("post deleted after claim")
		return NotDue
	}
	if err != nil {
		return d.fail(rctx, id, fmt.Errorf("load post: %w", err))
	}
	ch, err := d.repo.GetChannel(ctx, post.ChannelID)
	if errors.Is(err, queue.ErrNotFound) {
		return d.fail(rctx, id, errors.New("channel not found"))
	}
	if err != nil {
		return d.fail(rctx, id, fmt.Errorf("load channel: %w", err))
	}

	payload, err := publish.Build(post)
	if err != nil {
		return d.fail(rctx, id, err)
	}
	if err := d.send(ctx, ch.ChatID, payload); err != nil {
		return d.fail(rctx, id, err)
	}

	var next *time.Time
	if c, ok := post.Cycle(ch); ok {
		n := cycle.Next(now, c, d.clock)
		next = &n
	}
	err = d.repo.RecordSuccess(rctx, id, d.owner, next)
	if errors.Is(err, queue.ErrClaimLost) {
		// Sent, but the claim expired and another worker owns the post now.
		log.Warn().Str("post_id", id).Str("owner", d.owner).Msg("claim lost before delivery was recorded")
		return Delivered
	}
	if err != nil {
		log.Error().Err(err).Str("post_id", id).Msg("failed to record delivery")
		return Failed
	}

	ev := log.Info().Str("post_id", id).Int64("chat_id", ch.ChatID).Str("kind", string(payload.Kind))
	if next != nil {
		ev = ev.Time("next_run", *next)
	}
	ev.Msg("post delivered")
	return Delivered
}

func (d *Deliverer) send(ctx context.Context, chatID int64, p publish.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	return d.pub.Send(ctx, chatID, p)
}

func (d *Deliverer) fail(ctx context.Context, id string, cause error) Outcome {
	log.Warn().Err(cause).Str("post_id", id).Msg("delivery failed")
	err := d.repo.RecordFailure(ctx, id, d.owner, cause.Error())
	switch {
	case errors.Is(err, queue.ErrClaimLost):
		log.Warn().Str("post_id", id).Str("owner", d.owner).Msg("claim lost before failure was recorded")
	case err != nil:
		log.Error().Err(err).Str("post_id", id).Msg("failed to record failure")
	}
	return Failed
}
