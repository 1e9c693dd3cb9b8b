package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/elonfeng/tracehub/internal/ingest"
	"github.com/elonfeng/tracehub/internal/store"
	"github.com/elonfeng/tracehub/pkg/source"
)

// Server provides the HTTP API.
type Server struct {
	store  *store.Store
	ingest *ingest.Service
	logger zerolog.Logger
	port   int
	router *chi.Mux

	// Bounds applied to fetch requests that omit them.
	DefaultLimit        int
	DefaultCommentLimit int
}

// New creates a new HTTP server.
func New(st *store.Store, svc *ingest.Service, port int, logger zerolog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	s := &Server{
		store:               st,
		ingest:              svc,
		logger:              logger,
		port:                port,
		router:              chi.NewRouter(),
		DefaultLimit:        25,
		DefaultCommentLimit: 20,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/capabilities", s.handleCapabilities)
			r.Get("/targets", s.handleListTargets)
			r.Post("/targets", s.handleRegisterTarget)
			r.Post("/fetch", s.handleFetch)
			r.Get("/items", s.handleListItems)
			r.Get("/items/{id}", s.handleGetItem)
			r.Get("/items/{id}/comments", s.handleListComments)
			r.Put("/items/{id}/tags", s.handleSetTags)
		})
		r.Get("/tags", s.handleListTags)
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("tracehub server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountItemsBySource(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type sourceInfo struct {
		source.Capabilities
		Items int `json:"items"`
	}

	caps := s.ingest.Registry().Capabilities()
	infos := make([]sourceInfo, 0, len(caps))
	for _, c := range caps {
		infos = append(infos, sourceInfo{Capabilities: c, Items: counts[c.Source]})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	opts := store.TargetListOpts{Source: r.URL.Query().Get("source")}
	if v := r.URL.Query().Get("monitor"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "monitor must be a boolean")
			return
		}
		opts.MonitorOnly = b
	}

	targets, err := s.store.ListTargets(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNilSlice(targets),
		"count": len(targets),
	})
}

func (s *Server) handleRegisterTarget(w http.ResponseWriter, r *http.Request) {
	var req ingest.TargetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := s.ingest.RegisterTarget(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

type fetchRequest struct {
	Source          string         `json:"source"`
	TargetType      string         `json:"target_type"`
	TargetKey       string         `json:"target_key"`
	Limit           *int           `json:"limit"`
	IncludeComments bool           `json:"include_comments"`
	CommentLimit    *int           `json:"comment_limit"`
	Options         source.Options `json:"options"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var body fetchRequest
	if !decodeBody(w, r, &body) {
		return
	}

	req := ingest.Request{
		Source:          body.Source,
		TargetType:      body.TargetType,
		TargetKey:       body.TargetKey,
		Limit:           s.DefaultLimit,
		IncludeComments: body.IncludeComments,
		CommentLimit:    s.DefaultCommentLimit,
		Options:         body.Options,
	}
	if body.Limit != nil {
		req.Limit = *body.Limit
	}
	if body.CommentLimit != nil {
		req.CommentLimit = *body.CommentLimit
	}

	res, err := s.ingest.FetchAndIngest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ItemListOpts{
		Source: q.Get("source"),
		Tag:    q.Get("tag"),
		Limit:  100,
	}

	var err error
	if opts.TargetID, err = queryInt64(q.Get("target_id")); err != nil {
		writeBadRequest(w, "target_id must be an integer")
		return
	}
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		opts.Limit = min(opts.Limit, 500)
	}
	if v := q.Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil || opts.Offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		if opts.Since, err = time.Parse(time.RFC3339, v); err != nil {
			writeBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
	}

	items, err := s.store.ListItems(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNilSlice(items),
		"count": len(items),
	})
}

type itemDetail struct {
	*store.Item
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	detail := itemDetail{Item: item}
	payload, err := s.store.ItemPayload(r.Context(), id)
	switch {
	case err == nil:
		detail.Payload = payload
	case !errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetItem(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	comments, err := s.store.ListComments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNilSlice(comments),
		"count": len(comments),
	})
}

func (s *Server) handleSetTags(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Tags []string `json:"tags"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	tags, err := s.store.SetItemTags(r.Context(), id, body.Tags)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNilSlice(tags),
		"count": len(tags),
	})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  nonNilSlice(tags),
		"count": len(tags),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt64(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
