package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docbatch/internal/blobstore"
	"github.com/ChuLiYu/docbatch/internal/controller"
	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/invoker"
	"github.com/ChuLiYu/docbatch/internal/job"
	"github.com/ChuLiYu/docbatch/internal/metrics"
	"github.com/ChuLiYu/docbatch/internal/retry"
	"github.com/ChuLiYu/docbatch/internal/store"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

type notReady struct{ converter.Func }

func (notReady) Ready() error { return errors.New("OPENAI_API_KEY is not set") }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func setup(t *testing.T, conv converter.Converter) (*httptest.Server, *blobstore.Store) {
	t.Helper()
	return setupIn(t, t.TempDir(), conv)
}

func setupIn(t *testing.T, dir string, conv converter.Converter) (*httptest.Server, *blobstore.Store) {
	t.Helper()

	fs, err := store.NewFileStore(filepath.Join(dir, "processing_state.json"))
	require.NoError(t, err)
	blobs, err := blobstore.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"), "")
	require.NoError(t, err)
	reg := prometheus.NewRegistry()

	ctrl, err := controller.New(controller.Options{
		Store:              fs,
		Invoker:            invoker.New(conv, retry.DefaultPolicy(), invoker.WithSleeper(noSleep)),
		Blobs:              blobs,
		Metrics:            metrics.NewCollector(reg),
		DefaultMaxAttempts: 3,
	})
	require.NoError(t, err)

	srv := New(Options{Jobs: ctrl, Uploads: blobs, Gatherer: reg})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, blobs
}

func rtf(_ context.Context, req converter.Request) (string, error) {
	return "{\\rtf1 " + req.File + "}", nil
}

func upload(t *testing.T, ts *httptest.Server, files map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files[]", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func postJSON(t *testing.T, ts *httptest.Server, path string, v any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if v != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(v))
	}
	resp, err := http.Post(ts.URL+path, "application/json", &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func status(t *testing.T, ts *httptest.Server) types.StatusReport {
	t.Helper()
	resp := get(t, ts, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[types.StatusReport](t, resp)
}

func TestUploadIngestsPDFsOnly(t *testing.T) {
	ts, blobs := setup(t, converter.Func(rtf))

	resp := upload(t, ts, map[string]string{
		"report.pdf": "%PDF-1.4",
		"notes.txt":  "skip me",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "1 files uploaded", body["message"])
	assert.Equal(t, []any{"report.pdf"}, body["files"])
	assert.True(t, blobs.Has("report.pdf"))
	assert.False(t, blobs.Has("notes.txt"))

	rep := status(t, ts)
	assert.Equal(t, types.StatusReady, rep.Status)
	assert.Equal(t, 1, rep.Total)
}

func TestUploadDuringRunKeepsInputs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		converted strings.Builder
	)
	conv := converter.Func(func(ctx context.Context, req converter.Request) (string, error) {
		if req.File == "a.pdf" {
			close(started)
			<-release
		}
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return "", err
		}
		mu.Lock()
		fmt.Fprintf(&converted, "%s=%s;", req.File, data)
		mu.Unlock()
		return rtf(ctx, req)
	})
	ts, _ := setup(t, conv)
	require.Equal(t, http.StatusOK, upload(t, ts, map[string]string{"a.pdf": "A1", "b.pdf": "B1"}).StatusCode)

	runStatus := make(chan int, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/start-processing", "application/json", strings.NewReader("{}"))
		if err != nil {
			runStatus <- 0
			return
		}
		resp.Body.Close()
		runStatus <- resp.StatusCode
	}()
	<-started

	resp := upload(t, ts, map[string]string{"b.pdf": "REPLACED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	assert.Equal(t, http.StatusOK, <-runStatus)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a.pdf=A1;b.pdf=B1;", converted.String())
}

func TestUploadOverInterruptedJobKeepsInputs(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "processing_state.json"))
	require.NoError(t, err)
	s, err := job.Ingest(job.New(), []string{"a.pdf", "b.pdf"})
	require.NoError(t, err)
	s, err = job.Begin(s)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), s))
	require.NoError(t, fs.Close())

	ts, blobs := setupIn(t, dir, converter.Func(rtf))
	_, err = blobs.Put("b.pdf", strings.NewReader("B1"))
	require.NoError(t, err)

	resp := upload(t, ts, map[string]string{"b.pdf": "REPLACED", "c.pdf": "C1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	data, err := os.ReadFile(blobs.Path("b.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "B1", string(data))
	assert.False(t, blobs.Has("c.pdf"))

	entries, err := os.ReadDir(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging directory left behind")
	assert.Equal(t, "b.pdf", entries[0].Name())
}

func TestUploadWithoutFiles(t *testing.T) {
	ts, _ := setup(t, converter.Func(rtf))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "no files provided", decode[map[string]string](t, resp)["error"])
}

func TestFullProcessingFlow(t *testing.T) {
	conv := converter.Func(func(ctx context.Context, req converter.Request) (string, error) {
		if req.File == "y.pdf" {
			return "", errors.New("unsupported document")
		}
		return rtf(ctx, req)
	})
	ts, _ := setup(t, conv)

	require.Equal(t, http.StatusOK, upload(t, ts, map[string]string{"x.pdf": "a", "y.pdf": "b"}).StatusCode)

	resp := postJSON(t, ts, "/start-processing", map[string]any{"custom_gpt_id": "asst_1", "max_attempts": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Message   string         `json:"message"`
		RunID     string         `json:"run_id"`
		Processed int            `json:"processed"`
		Failed    int            `json:"failed"`
		Details   types.JobState `json:"details"`
	}](t, resp)
	assert.Equal(t, 1, body.Processed)
	assert.Equal(t, 1, body.Failed)
	assert.NotEmpty(t, body.RunID)
	assert.Equal(t, types.StatusCompleted, body.Details.Status)
	assert.Equal(t, []types.FailedFile{{File: "y.pdf", Error: "unsupported document"}}, body.Details.Failed)

	rep := status(t, ts)
	assert.Equal(t, 100.0, rep.Progress)
	assert.Equal(t, 1, rep.Failed)

	dl := get(t, ts, "/download/x.rtf")
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/rtf", dl.Header.Get("Content-Type"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), `filename="x.rtf"`)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, `{\rtf1 x.pdf}`, buf.String())

	missing := get(t, ts, "/download/y.rtf")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	again := postJSON(t, ts, "/start-processing", map[string]any{})
	assert.Equal(t, http.StatusConflict, again.StatusCode, "completed job cannot run again")
}

func TestStartProcessingErrors(t *testing.T) {
	t.Run("no files", func(t *testing.T) {
		ts, _ := setup(t, converter.Func(rtf))
		resp := postJSON(t, ts, "/start-processing", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decode[map[string]string](t, resp)["error"], "no files")
	})

	t.Run("not configured", func(t *testing.T) {
		ts, _ := setup(t, notReady{converter.Func(rtf)})
		upload(t, ts, map[string]string{"a.pdf": "a"})

		resp := postJSON(t, ts, "/start-processing", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decode[map[string]string](t, resp)["error"], "not configured")
		assert.Equal(t, types.StatusReady, status(t, ts).Status)
	})

	t.Run("max attempts out of range", func(t *testing.T) {
		ts, _ := setup(t, converter.Func(rtf))
		upload(t, ts, map[string]string{"a.pdf": "a"})

		for _, n := range []int{-1, retry.MaxAttemptsLimit + 1, 1 << 40} {
			resp := postJSON(t, ts, "/start-processing", map[string]any{"max_attempts": n})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "max_attempts %d", n)
			assert.Contains(t, decode[map[string]string](t, resp)["error"], "max_attempts")
		}
		assert.Equal(t, types.StatusReady, status(t, ts).Status)
	})

	t.Run("bad json", func(t *testing.T) {
		ts, _ := setup(t, converter.Func(rtf))
		resp, err := http.Post(ts.URL+"/start-processing", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestIngestEndpoint(t *testing.T) {
	ts, blobs := setup(t, converter.Func(rtf))
	_, err := blobs.Put("a.pdf", strings.NewReader("a"))
	require.NoError(t, err)

	resp := postJSON(t, ts, "/ingest", map[string]any{"files": []string{"a.pdf"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, controller.IngestResult{Count: 1, Files: []string{"a.pdf"}},
		decode[controller.IngestResult](t, resp))

	tests := []struct {
		name  string
		files []string
	}{
		{"not uploaded", []string{"missing.pdf"}},
		{"path traversal", []string{"../processing_state.json"}},
		{"duplicate", []string{"a.pdf", "a.pdf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/ingest", map[string]any{"files": tt.files})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestResetEndpoint(t *testing.T) {
	ts, blobs := setup(t, converter.Func(rtf))
	upload(t, ts, map[string]string{"a.pdf": "a"})
	require.Equal(t, http.StatusOK, postJSON(t, ts, "/start-processing", nil).StatusCode)

	resp := postJSON(t, ts, "/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "state reset", decode[map[string]string](t, resp)["message"])

	rep := status(t, ts)
	assert.Equal(t, types.StatusIdle, rep.Status)
	assert.Equal(t, 0, rep.Total)
	assert.True(t, blobs.Has("a.pdf"), "plain reset keeps uploads")

	resp = postJSON(t, ts, "/reset", map[string]bool{"purge": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, blobs.Has("a.pdf"))
	assert.Equal(t, http.StatusNotFound, get(t, ts, "/download/a.rtf").StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := setup(t, converter.Func(rtf))
	upload(t, ts, map[string]string{"a.pdf": "a", "b.pdf": "b"})

	h := get(t, ts, "/healthz")
	require.Equal(t, http.StatusOK, h.StatusCode)
	assert.Equal(t, map[string]any{"status": "ok", "running": false}, decode[map[string]any](t, h))

	m := get(t, ts, "/metrics")
	require.Equal(t, http.StatusOK, m.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(m.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "docbatch_files_ingested_total 2")
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := setup(t, converter.Func(rtf))
	resp := get(t, ts, "/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{controller.ErrNotConfigured, http.StatusBadRequest},
		{controller.ErrNoFiles, http.StatusBadRequest},
		{fmt.Errorf("%w: a", controller.ErrDuplicateFile), http.StatusBadRequest},
		{controller.ErrOutputNotFound, http.StatusNotFound},
		{controller.ErrRunInProgress, http.StatusConflict},
		{controller.ErrInvalidState, http.StatusConflict},
		{fmt.Errorf("%w: %w", controller.ErrInterrupted, context.Canceled), http.StatusServiceUnavailable},
		{&controller.StoreError{Op: "save", Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestListenAndServeShutsDown(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "s.json"))
	require.NoError(t, err)
	blobs, err := blobstore.New(filepath.Join(dir, "u"), filepath.Join(dir, "o"), "")
	require.NoError(t, err)
	ctrl, err := controller.New(controller.Options{Store: fs, Invoker: invoker.New(converter.Func(rtf), retry.DefaultPolicy())})
	require.NoError(t, err)

	srv := New(Options{Jobs: ctrl, Uploads: blobs, Gatherer: prometheus.NewRegistry(), GRPCAddr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
