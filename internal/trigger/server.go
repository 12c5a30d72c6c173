// Package trigger starts notification runs on a schedule or on request.
package trigger

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"rss_notify/internal/fetcher"
	"rss_notify/internal/fields"
	"rss_notify/internal/model"
	"rss_notify/internal/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runner executes one notification batch.
type Runner interface {
	RunOnce(ctx context.Context) (model.RunResult, error)
}

// LatestFetcher returns the latest item of a remote feed.
type LatestFetcher interface {
	Latest(ctx context.Context, url string) (model.Item, error)
}

// Server exposes the batch run and feed inspection over HTTP.
type Server struct {
	runner  Runner
	fetcher LatestFetcher
	token   string
	log     *slog.Logger
	router  chi.Router
}

// NewServer creates a Server. Every /api route requires token as a
// bearer credential.
func NewServer(runner Runner, f LatestFetcher, token string, log *slog.Logger) *Server {
	s := &Server{
		runner:  runner,
		fetcher: f,
		token:   token,
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/cron", s.handleCron)
		r.Get("/feeds/latest", s.handleLatest)
	})

	s.router = r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type cronResponse struct {
	Message string `json:"message"`
	model.RunResult
}

type latestResponse struct {
	Item   model.Item             `json:"item"`
	Paths  []string               `json:"paths"`
	Fields []model.FieldSelection `json:"fields"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	// A client disconnect must not abort a run halfway through.
	res, err := s.runner.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		s.writeJSON(w, http.StatusConflict, errorResponse{Message: "Run already in progress"})
		return
	case err != nil:
		s.log.Error("run notifications", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Failed to process feeds"})
		return
	}
	s.writeJSON(w, http.StatusOK, cronResponse{Message: "Cron job completed", RunResult: res})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	item, err := s.fetcher.Latest(r.Context(), url)
	switch {
	case errors.Is(err, fetcher.ErrInvalidURL):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Invalid URL provided"})
		return
	case err != nil:
		s.log.Warn("fetch latest item", "url", url, "error", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Message: "Failed to get remote latest feed"})
		return
	}

	resp := latestResponse{
		Item:   item,
		Paths:  fields.Paths(item),
		Fields: fields.Sync(nil, item),
	}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"remote", r.RemoteAddr, "duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}
