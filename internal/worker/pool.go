package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var timeNow = time.Now

// Pool runs a fixed number of workers fed from a bounded queue of post ids.
type Pool struct {
	h     Handler
	size  int
	queue chan string

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewPool(h Handler, size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = size
	}
	return &Pool{h: h, size: size, queue: make(chan string, queueSize), pending: make(map[string]struct{})}
}

// Submit queues id without blocking. It reports false when id is already
// queued or in flight, or when the queue is full; the next scan finds the
// post again in either case.
func (p *Pool) Submit(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; ok {
		return false
	}
	select {
	case p.queue <- id:
		p.pending[id] = struct{}{}
		return true
	default:
		log.Warn().Str("post_id", id).Int("queue_size", cap(p.queue)).Msg("worker queue full")
		return false
	}
}

// Run starts the workers and blocks until ctx is done and in-flight
// deliveries return.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	log.Info().Int("workers", p.size).Int("queue_size", cap(p.queue)).Msg("worker pool started")
	wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			out := p.h.Deliver(ctx, id, timeNow())
			p.mu.Lock()
			delete(p.pending, id)
			p.mu.Unlock()
			log.Debug().Str("post_id", id).Stringer("outcome", out).Msg("delivery attempt done")
		}
	}
}
