package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
	"github.com/JakeFAU/trf5-crawler/internal/metrics"
	"github.com/JakeFAU/trf5-crawler/internal/normalize"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// ReadyFunc reports whether the backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the archive and record stores.
type Server struct {
	router  chi.Router
	records crawler.RecordStore
	archive crawler.ArchiveStore
	ready   ReadyFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(records crawler.RecordStore, archive crawler.ArchiveStore, ready ReadyFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{records: records, archive: archive, ready: ready, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/processos/{id}", s.getRecord)
		r.Get("/raw-pages", s.listRawPages)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getRecord accepts the hyphenated or digits-only case number, or a legacy id as stored.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if hyphenated, err := normalize.CaseNumberHyphenated(id); err == nil {
		id = hyphenated
	}
	record, err := s.records.Get(r.Context(), id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "record not found")
	case err != nil:
		s.logger.Error("get record failed", zap.String("numero", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load record")
	default:
		s.writeJSON(w, http.StatusOK, record)
	}
}

// rawPageSummary is a RawPage without its body unless html=true was requested.
type rawPageSummary struct {
	ID        string              `json:"_id"`
	URL       string              `json:"url"`
	Method    string              `json:"method"`
	Status    int                 `json:"status"`
	Context   crawler.PageContext `json:"context"`
	FetchedAt string              `json:"fetched_at"`
	HashHTML  string              `json:"hash_html"`
	HTML      string              `json:"html,omitempty"`
}

func (s *Server) listRawPages(w http.ResponseWriter, r *http.Request) {
	filter, withHTML, err := parseArchiveFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pages, err := s.archive.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list raw pages failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list raw pages")
		return
	}
	out := make([]rawPageSummary, 0, len(pages))
	for _, p := range pages {
		summary := rawPageSummary{
			ID:        p.ID,
			URL:       p.URL,
			Method:    p.Method,
			Status:    p.Status,
			Context:   p.Context,
			FetchedAt: p.FetchedAt,
			HashHTML:  p.HashHTML,
		}
		if withHTML {
			summary.HTML = p.HTML
		}
		out = append(out, summary)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"limit": filter.Limit,
		"skip":  filter.Skip,
		"pages": out,
	})
}

func parseArchiveFilter(r *http.Request) (crawler.ArchiveFilter, bool, error) {
	q := r.URL.Query()
	filter := crawler.ArchiveFilter{Limit: defaultPageLimit}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, false, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(n, maxPageLimit)
	}
	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, false, fmt.Errorf("skip must be a non-negative integer")
		}
		filter.Skip = n
	}
	switch kind := crawler.PageKind(q.Get("tipo")); kind {
	case "", crawler.PageKindForm, crawler.PageKindList, crawler.PageKindDetail, crawler.PageKindError:
		filter.Kind = kind
	default:
		return filter, false, fmt.Errorf("unknown tipo %q", kind)
	}
	switch mode := crawler.SearchMode(q.Get("busca")); mode {
	case "", crawler.SearchByNumber, crawler.SearchByTaxID:
		filter.Search = mode
	default:
		return filter, false, fmt.Errorf("unknown busca %q", mode)
	}
	withHTML, _ := strconv.ParseBool(q.Get("html"))
	return filter, withHTML, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeError(s.logger, w, status, msg)
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
