package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dftlab/dftsup/internal/model"
	"github.com/dftlab/dftsup/internal/service"
)

// maxRequestBody bounds start requests, which carry the driver files.
const maxRequestBody = 32 << 20

// Supervisor is what the HTTP surface needs from service.Supervisor.
type Supervisor interface {
	Start(ctx context.Context, req model.StartRequest) (*service.Run, error)
	Stop(ctx context.Context) model.StopResult
	Results(ctx context.Context, dir string) (model.ResultSet, error)
	Extract(ctx context.Context, dir string) (model.ResultSet, error)
	Status() model.Status
	History(ctx context.Context, limit int) ([]model.RunInfo, error)
	Lookup(ctx context.Context, id string) (model.RunInfo, error)
}

type Server struct {
	addr    string
	sup     Supervisor
	origins []string
	router  chi.Router
}

func NewServer(cfg model.Server, sup Supervisor) *Server {
	s := &Server{
		addr:    cfg.Listen,
		sup:     sup,
		origins: cfg.AllowedOrigins,
	}
	if s.addr == "" {
		s.addr = model.DefaultListen
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(allowOrigins(s.origins))

	r.Get("/health", s.handleHealth)

	r.Route("/api/analysis", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/stop", s.handleStop)
		r.Get("/results", s.handleResults)
		r.Post("/extract", s.handleExtract)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{runID}", s.handleHistoryRun)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRun starts an analysis and streams its events until the terminal
// one. A client going away stops the analysis.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed request: %w", model.ErrValidation, err))
		return
	}

	run, err := s.sup.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events := run.Events()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-Id", run.ID())
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		ev, err := events.Recv(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			slog.InfoContext(r.Context(), "event stream observer left", "run_id", run.ID())
			events.Disconnect()
			return
		}
		if err := writeEvent(w, ev); err != nil {
			slog.InfoContext(r.Context(), "writing event failed", "run_id", run.ID(), "error", err)
			events.Disconnect()
			return
		}
		if canFlush {
			flusher.Flush()
		}
		if ev.Terminal {
			return
		}
	}
}

// writeEvent frames ev as a single SSE data line.
func writeEvent(w io.Writer, ev model.ProgressEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Stop(r.Context()))
}

type resultsResponse struct {
	Path       string            `json:"path"`
	WorkingDir string            `json:"workingDir"`
	Modified   time.Time         `json:"modified"`
	AgeSeconds float64           `json:"ageSeconds"`
	Summary    map[string]string `json:"summary,omitempty"`
	Results    json.RawMessage   `json:"results"`
}

func newResultsResponse(rs model.ResultSet) resultsResponse {
	return resultsResponse{
		Path:       rs.Path,
		WorkingDir: rs.WorkingDir,
		Modified:   rs.Modified,
		AgeSeconds: rs.AgeSeconds,
		Summary:    rs.Summary,
		Results:    json.RawMessage(rs.Data),
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rs, err := s.sup.Results(r.Context(), r.URL.Query().Get("dir"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultsResponse(rs))
}

type extractRequest struct {
	Dir string `json:"dir"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, fmt.Errorf("%w: malformed request: %w", model.ErrValidation, err))
		return
	}
	if req.Dir == "" {
		req.Dir = r.URL.Query().Get("dir")
	}
	rs, err := s.sup.Extract(r.Context(), req.Dir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultsResponse(rs))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a non-negative number", model.ErrValidation))
			return
		}
		limit = n
	}
	runs, err := s.sup.History(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistoryRun(w http.ResponseWriter, r *http.Request) {
	info, err := s.sup.Lookup(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type errorResponse struct {
	Error    string `json:"error"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrExitMismatch), errors.Is(err, model.ErrSpawn):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	resp := errorResponse{Error: err.Error()}
	var runErr *model.RunError
	if errors.As(err, &runErr) {
		resp.ExitCode = runErr.ExitCode
		resp.Output = runErr.Tail
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
