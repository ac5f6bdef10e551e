// ============================================================================
// docbatch Server - HTTP API and gRPC health
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// Routes:
//
//	POST /upload            multipart files[] (.pdf only) -> stage, ingest, commit
//	POST /ingest            {"files": [...]} of already uploaded files
//	POST /start-processing  {"custom_gpt_id": "...", "max_attempts": 3}
//	GET  /status            progress report
//	GET  /download/{name}   converted output as an attachment
//	POST /reset             {"purge": false}
//	GET  /metrics           Prometheus
//	GET  /healthz           liveness
//
// Error mapping (JSON {"error": "..."}):
//
//	400  not configured, no files, invalid input
//	404  output not found
//	409  run in progress, job cannot run in its state
//	503  run interrupted by shutdown
//	500  store failures and anything else
//
// Uploads are staged and only replace existing inputs once the ingest is
// accepted, so a rejected upload never touches the files of a running job.
//
// start-processing runs synchronously. The run is tied to the server's
// lifetime, not the request, so a client disconnect does not interrupt it.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/docbatch/internal/blobstore"
	"github.com/ChuLiYu/docbatch/internal/controller"
	"github.com/ChuLiYu/docbatch/internal/metrics"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

const defaultMaxUploadBytes = 16 << 20

// Jobs is the controller surface the API exposes. *controller.Controller
// implements it.
type Jobs interface {
	Ingest(ctx context.Context, files []string) (controller.IngestResult, error)
	IngestWith(ctx context.Context, files []string, prepare func() error) (controller.IngestResult, error)
	Run(ctx context.Context, opts controller.RunOptions) (types.RunSummary, error)
	Status(ctx context.Context) (types.StatusReport, error)
	State(ctx context.Context) (types.JobState, error)
	Reset(ctx context.Context, purge bool) error
	FetchOutput(ctx context.Context, file string) ([]byte, string, error)
	Running() bool
}

// Uploads stores uploaded inputs. *blobstore.Store implements it.
type Uploads interface {
	Stage() (*blobstore.Staged, error)
	Has(name string) bool
}

// Options configures a Server. Jobs and Uploads are required.
type Options struct {
	Jobs           Jobs
	Uploads        Uploads
	Gatherer       prometheus.Gatherer // nil serves the default registry
	Logger         *slog.Logger
	MaxUploadBytes int64
	GRPCAddr       string // empty disables the gRPC health server
}

// Server serves the docbatch HTTP API.
type Server struct {
	jobs    Jobs
	uploads Uploads
	opts    Options
	log     *slog.Logger
	health  *health.Server

	// runs are bound to this context instead of the request
	baseCtx context.Context
}

// New returns a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Server{
		jobs:    opts.Jobs,
		uploads: opts.Uploads,
		opts:    opts,
		log:     opts.Logger,
		health:  health.NewServer(),
		baseCtx: context.Background(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("POST /start-processing", s.handleStart)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler(s.opts.Gatherer))
	return s.logRequests(mux)
}

// ListenAndServe serves HTTP on addr, plus gRPC health when configured,
// until ctx is done. An active run is cancelled on shutdown and stays
// resumable.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var grpcServer *grpc.Server
	if s.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.opts.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		reflection.Register(grpcServer)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		s.log.Info("grpc.listening", "addr", s.opts.GRPCAddr)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				s.log.Error("grpc.serve_failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http.listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			cancel()
			if grpcServer != nil {
				grpcServer.Stop()
			}
			return err
		}
	case <-ctx.Done():
	}

	s.log.Info("server.shutdown")
	s.health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.jobs.Running() {
		writeError(w, http.StatusConflict, controller.ErrRunInProgress.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files[]"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	staged, err := s.uploads.Stage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() { _ = staged.Discard() }()

	for _, h := range headers {
		if !strings.HasSuffix(h.Filename, ".pdf") {
			s.log.Debug("upload.skipped", "file", h.Filename)
			continue
		}
		f, err := h.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
			return
		}
		_, err = staged.Put(h.Filename, f)
		f.Close()
		if errors.Is(err, blobstore.ErrInvalidName) {
			s.log.Debug("upload.skipped", "file", h.Filename, "error", err)
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	res, err := s.jobs.IngestWith(r.Context(), staged.Names(), staged.Commit)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%d files uploaded", res.Count),
		"files":   res.Files,
	})
}

type ingestRequest struct {
	Files []string `json:"files"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, f := range req.Files {
		if blobstore.SanitizeName(f) != f {
			writeError(w, http.StatusBadRequest, "invalid file name: "+f)
			return
		}
		if !s.uploads.Has(f) {
			writeError(w, http.StatusBadRequest, "file not uploaded: "+f)
			return
		}
	}
	res, err := s.jobs.Ingest(r.Context(), req.Files)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type startRequest struct {
	CustomGPTID string `json:"custom_gpt_id"`
	MaxAttempts int    `json:"max_attempts"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, controller.ErrInvalidMaxAttempts.Error())
		return
	}

	sum, err := s.jobs.Run(s.baseCtx, controller.RunOptions{
		Profile:     req.CustomGPTID,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	state, err := s.jobs.State(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "processing complete",
		"run_id":    sum.RunID,
		"processed": sum.Processed,
		"failed":    sum.Failed,
		"details":   state,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.jobs.Status(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, name, err := s.jobs.FetchOutput(r.Context(), r.PathValue("filename"))
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rtf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type resetRequest struct {
	Purge bool `json:"purge"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.jobs.Reset(r.Context(), req.Purge); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "state reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.jobs.Running(),
	})
}

// ============================================================================
// Helpers
// ============================================================================

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrNotConfigured),
		errors.Is(err, controller.ErrNoFiles),
		errors.Is(err, controller.ErrInvalidMaxAttempts),
		errors.Is(err, controller.ErrDuplicateFile),
		errors.Is(err, controller.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrOutputNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrRunInProgress),
		errors.Is(err, controller.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, controller.ErrInterrupted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request.failed", "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}
