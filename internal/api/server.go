package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"autopost/internal/cycle"
	"autopost/internal/domain"
	"autopost/internal/publish"
	"autopost/internal/queue"
)

var timeNow = time.Now

type Options struct {
	Clock *cycle.Clock
	Grace cycle.Grace
	Debug bool
}

type Server struct {
	r     *chi.Mux
	repo  queue.Repository
	clock *cycle.Clock

	mu    sync.RWMutex
	grace cycle.Grace
}

func NewServer(repo queue.Repository, opts Options) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	clk := opts.Clock
	if clk == nil {
		clk = cycle.MustClock(cycle.DefaultZone)
	}
	s := &Server{r: r, repo: repo, clock: clk, grace: opts.Grace}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/channels", func(r chi.Router) {
		r.Post("/", s.createChannel)
		r.Get("/", s.listChannels)
		r.Get("/{id}", s.getChannel)
		r.Put("/{id}/cycle", s.resetCycle)
		r.Delete("/{id}", s.deleteChannel)
		r.Post("/{id}/posts", s.createPost)
		r.Get("/{id}/posts", s.listPosts)
	})
	r.Get("/api/posts/{id}", s.getPost)
	r.Delete("/api/posts/{id}", s.deletePost)

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

// SetGrace replaces the grace rule applied to newly created posts.
func (s *Server) SetGrace(g cycle.Grace) {
	s.mu.Lock()
	s.grace = g
	s.mu.Unlock()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	channels, err := s.repo.ListChannels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	byStatus := map[domain.Status]int{}
	due := 0
	now := timeNow()
	for _, ch := range channels {
		posts, err := s.repo.ListPosts(r.Context(), ch.ID)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		for _, p := range posts {
			byStatus[p.Status]++
			if p.NextRun != nil && !p.NextRun.After(now) {
				due++
			}
		}
	}

	var b strings.Builder
	b.WriteString("autopost_up 1\n")
	fmt.Fprintf(&b, "autopost_channels %d\n", len(channels))
	statuses := []domain.Status{domain.StatusIdle, domain.StatusClaimed, domain.StatusOK, domain.StatusError}
	for _, st := range statuses {
		fmt.Fprintf(&b, "autopost_posts{status=%q} %d\n", st, byStatus[st])
	}
	fmt.Fprintf(&b, "autopost_posts_due %d\n", due)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type createChannelReq struct {
	ChatID     int64  `json:"chat_id"`
	Username   string `json:"username"`
	Title      string `json:"title"`
	OwnerID    int64  `json:"owner_id"`
	CycleWeeks int    `json:"cycle_weeks"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelReq
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ChatID == 0 {
		http.Error(w, "chat_id is required", 400)
		return
	}
	if req.CycleWeeks != 0 && (req.CycleWeeks < 1 || req.CycleWeeks > cycle.MaxWeeks) {
		http.Error(w, fmt.Sprintf("cycle_weeks must be between 1 and %d", cycle.MaxWeeks), 400)
		return
	}
	id, err := s.repo.CreateChannel(r.Context(), domain.Channel{
		ChatID: req.ChatID, Username: strings.TrimPrefix(req.Username, "@"), Title: req.Title,
		OwnerID: req.OwnerID, CycleWeeks: req.CycleWeeks, CycleStart: timeNow().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	log.Info().Str("channel_id", id).Int64("chat_id", req.ChatID).Msg("channel registered")
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.repo.ListChannels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if channels == nil {
		channels = []domain.Channel{}
	}
	writeJSON(w, 200, channels)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.repo.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, 200, ch)
}

type resetCycleReq struct {
	Weeks int `json:"weeks"`
}

// resetCycle changes the cycle length and restarts week 0 at the current
// instant. Existing posts keep their next_run until their next delivery.
func (s *Server) resetCycle(w http.ResponseWriter, r *http.Request) {
	var req resetCycleReq
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id := chi.URLParam(r, "id")
	weeks := cycle.ClampWeeks(req.Weeks)
	if err := s.repo.UpdateChannelCycle(r.Context(), id, weeks, timeNow().UTC()); err != nil {
		repoError(w, err)
		return
	}
	ch, err := s.repo.GetChannel(r.Context(), id)
	if err != nil {
		repoError(w, err)
		return
	}
	log.Info().Str("channel_id", id).Int("cycle_weeks", weeks).Msg("channel cycle reset")
	writeJSON(w, 200, ch)
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		repoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createPostReq carries either a recurring slot or SendAt for a one-shot post.
type createPostReq struct {
	WeekInCycle *int       `json:"week_in_cycle"`
	Weekday     *int       `json:"weekday"`
	Time        string     `json:"time"`
	SendAt      *time.Time `json:"send_at"`

	Text       string             `json:"text"`
	Media      *domain.MediaItem  `json:"media"`
	Album      []domain.MediaItem `json:"album"`
	Buttons    []domain.Button    `json:"buttons"`
	ButtonText string             `json:"button_text"`
	ButtonURL  string             `json:"button_url"`
	ParseMode  string             `json:"parse_mode"`
	Entities   []domain.Entity    `json:"entities"`
	CreatedBy  int64              `json:"created_by"`
}

type createPostResp struct {
	ID      string    `json:"id"`
	NextRun time.Time `json:"next_run"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req createPostReq
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ch, err := s.repo.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		repoError(w, err)
		return
	}

	post := domain.Post{
		ChannelID:  ch.ID,
		Text:       req.Text,
		Media:      req.Media,
		Album:      req.Album,
		Buttons:    req.Buttons,
		ButtonText: req.ButtonText,
		ButtonURL:  req.ButtonURL,
		ParseMode:  req.ParseMode,
		Entities:   req.Entities,
		CreatedBy:  req.CreatedBy,
	}
	if _, err := publish.Build(post); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	now := timeNow()
	var next time.Time
	switch {
	case req.SendAt != nil:
		if req.WeekInCycle != nil || req.Weekday != nil || req.Time != "" {
			http.Error(w, "send_at excludes week_in_cycle, weekday and time", 400)
			return
		}
		next = req.SendAt.UTC()
	case req.WeekInCycle == nil || req.Weekday == nil || req.Time == "":
		http.Error(w, "week_in_cycle, weekday and time are required", 400)
		return
	default:
		slot, err := domain.NewSlot(*req.WeekInCycle, *req.Weekday, req.Time)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		post.Slot = slot
		c, _ := post.Cycle(ch)
		if err := cycle.Validate(c); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		s.mu.RLock()
		grace := s.grace
		s.mu.RUnlock()
		next = grace.Apply(now, cycle.Next(now, c, s.clock), slot.Weekday, slot.At, s.clock)
	}
	post.NextRun = &next

	id, err := s.repo.CreatePost(r.Context(), post)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	log.Info().Str("post_id", id).Str("channel_id", ch.ID).Time("next_run", next).Msg("post scheduled")
	writeJSON(w, http.StatusCreated, createPostResp{ID: id, NextRun: next})
}

type postView struct {
	domain.Post
	StatusText string `json:"status_text"`
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetChannel(r.Context(), id); err != nil {
		repoError(w, err)
		return
	}
	posts, err := s.repo.ListPosts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, postView{Post: p, StatusText: p.StatusText()})
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].NextRun, views[j].NextRun
		return a != nil && (b == nil || a.Before(*b))
	})
	writeJSON(w, 200, views)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.repo.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, 200, postView{Post: p, StatusText: p.StatusText()})
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeletePost(r.Context(), chi.URLParam(r, "id")); err != nil {
		repoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func repoError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
