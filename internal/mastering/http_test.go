package mastering

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/master-forge/internal/engine"
	"github.com/yourusername/master-forge/internal/jobs"
	"github.com/yourusername/master-forge/internal/storage"
)

type stubDispatcher struct {
	err error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, jobID string) error { return d.err }
func (d *stubDispatcher) Start() error                                     { return nil }
func (d *stubDispatcher) Shutdown(ctx context.Context) error               { return nil }

type testServer struct {
	router *gin.Engine
	store  *jobs.MemoryStore
	files  *storage.Local
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, dispatcher jobs.Dispatcher, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "processed"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	store := jobs.NewMemoryStore()
	manager, err := jobs.NewManager(store, dispatcher, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc, err := NewService(files, manager, discardLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	router := gin.New()
	RegisterRoutes(router, svc, maxUpload)
	return &testServer{router: router, store: store, files: files}
}

// newPipelineServer は偽エンジンで実際にジョブを処理するサーバーを作成します。
func newPipelineServer(t *testing.T, eng engine.Engine) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "processed"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	store := jobs.NewMemoryStore()
	worker, err := jobs.NewWorker(store, eng, files, discardLogger())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	pool, err := jobs.NewPool(worker.Run, 2, 8, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	manager, _ := jobs.NewManager(store, pool, nil, discardLogger())
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	svc, _ := NewService(files, manager, discardLogger())
	router := gin.New()
	RegisterRoutes(router, svc, 1<<20)
	return &testServer{router: router, store: store, files: files}
}

type formFile struct {
	field, name string
	data        []byte
}

func uploadRequest(t *testing.T, files ...formFile) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range files {
		fw, err := writer.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write(f.data); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func (s *testServer) assertNoJobs(t *testing.T) {
	t.Helper()
	list, err := s.store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no job records, got %d", len(list))
	}
	entries, err := os.ReadDir(s.files.UploadDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty upload dir, got %d entries", len(entries))
	}
}

var wavBytes = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), bytes.Repeat([]byte{1}, 64)...)

func TestUploadMissingReference(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 1<<20)

	rec := srv.do(uploadRequest(t, formFile{"target", "mix.wav", wavBytes}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if code := decodeBody(t, rec)["code"]; code != CodeMissingFile {
		t.Fatalf("unexpected code: %v", code)
	}
	srv.assertNoJobs(t)
}

func TestUploadEmptyFile(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 1<<20)

	rec := srv.do(uploadRequest(t,
		formFile{"target", "mix.wav", wavBytes},
		formFile{"reference", "ref.wav", nil},
	))
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["code"] != CodeMissingFile {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	srv.assertNoJobs(t)
}

func TestUploadNotMultipart(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := srv.do(req)
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["code"] != CodeMissingFile {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 1<<20)

	rec := srv.do(uploadRequest(t,
		formFile{"target", "notes.txt", []byte("hello")},
		formFile{"reference", "ref.wav", wavBytes},
	))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if code := decodeBody(t, rec)["code"]; code != CodeUnsupportedFormat {
		t.Fatalf("unexpected code: %v", code)
	}
	srv.assertNoJobs(t)
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 256)

	big := bytes.Repeat([]byte{0}, 1024)
	rec := srv.do(uploadRequest(t,
		formFile{"target", "mix.wav", big},
		formFile{"reference", "ref.wav", big},
	))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if code := decodeBody(t, rec)["code"]; code != CodePayloadTooLarge {
		t.Fatalf("unexpected code: %v", code)
	}
	srv.assertNoJobs(t)
}

func TestUploadTooLargeWithoutContentLength(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 256)

	big := bytes.Repeat([]byte{0}, 1024)
	req := uploadRequest(t,
		formFile{"target", "mix.wav", big},
		formFile{"reference", "ref.wav", big},
	)
	req.ContentLength = -1
	rec := srv.do(req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	srv.assertNoJobs(t)
}

func TestUploadQueueFull(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{err: jobs.ErrQueueFull}, 1<<20)

	rec := srv.do(uploadRequest(t,
		formFile{"target", "mix.wav", wavBytes},
		formFile{"reference", "ref.flac", wavBytes},
	))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	srv.assertNoJobs(t)
}

func TestUploadQueuesJob(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 1<<20)

	rec := srv.do(uploadRequest(t,
		formFile{"target", "../My Mix.WAV", wavBytes},
		formFile{"reference", "ref.mp3", wavBytes},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	if jobID == "" {
		t.Fatal("missing job_id")
	}

	for _, name := range []string{jobID + "_target_My_Mix.wav", jobID + "_reference_ref.mp3"} {
		if !storage.Exists(filepath.Join(srv.files.UploadDir(), name)) {
			t.Fatalf("expected stored input %s", name)
		}
	}

	status := srv.get("/status/" + jobID)
	if status.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", status.Code)
	}
	payload := decodeBody(t, status)
	if payload["status"] != string(jobs.StatusQueued) || payload["progress"] != jobs.ProgressStarting {
		t.Fatalf("unexpected payload: %v", payload)
	}
	for _, key := range []string{"output_16bit", "output_24bit", "error"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("queued job exposes %s", key)
		}
	}

	dl := srv.get("/download/" + jobID + "/16")
	if dl.Code != http.StatusBadRequest || decodeBody(t, dl)["code"] != CodeJobNotReady {
		t.Fatalf("unexpected download response: %d %s", dl.Code, dl.Body.String())
	}
}

func TestStatusUnknownJob(t *testing.T) {
	srv := newTestServer(t, &stubDispatcher{}, 1<<20)

	rec := srv.get("/status/never-issued")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if code := decodeBody(t, rec)["code"]; code != CodeJobNotFound {
		t.Fatalf("unexpected code: %v", code)
	}

	dl := srv.get("/download/never-issued/16")
	if dl.Code != http.StatusNotFound || decodeBody(t, dl)["code"] != CodeJobNotFound {
		t.Fatalf("unexpected download response: %d %s", dl.Code, dl.Body.String())
	}
}

func masteringEngine() engine.Func {
	return func(ctx context.Context, req engine.Request, log engine.LogFunc) error {
		log("Matching levels...")
		for _, out := range req.Outputs {
			data := append([]byte(nil), wavBytes...)
			data = append(data, byte(out.BitDepth))
			if err := os.WriteFile(out.Path, data, 0o640); err != nil {
				return err
			}
		}
		return nil
	}
}

func waitForTerminal(t *testing.T, srv *testServer, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		payload := decodeBody(t, srv.get("/status/"+jobID))
		switch payload["status"] {
		case string(jobs.StatusCompleted), string(jobs.StatusError):
			return payload
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish: %v", jobID, payload)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func uploadPair(t *testing.T, srv *testServer) string {
	t.Helper()
	rec := srv.do(uploadRequest(t,
		formFile{"target", "mix.wav", wavBytes},
		formFile{"reference", "ref.wav", wavBytes},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", rec.Code, rec.Body.String())
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	return jobID
}

func TestUploadPollDownload(t *testing.T) {
	srv := newPipelineServer(t, masteringEngine())
	jobID := uploadPair(t, srv)

	payload := waitForTerminal(t, srv, jobID)
	if payload["status"] != string(jobs.StatusCompleted) {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["output_16bit"] != jobID+"_mastered_16bit.wav" {
		t.Fatalf("unexpected output_16bit: %v", payload["output_16bit"])
	}
	if payload["download_24bit"] != DownloadURL(jobID, 24) {
		t.Fatalf("unexpected download_24bit: %v", payload["download_24bit"])
	}
	if _, ok := payload["error"]; ok {
		t.Fatal("completed job exposes error")
	}

	// ダウンロード後もファイルは残るので2回取得できる
	for i := 0; i < 2; i++ {
		rec := srv.get("/download/" + jobID + "/16")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
		}
		if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="mastered_16bit.wav"` {
			t.Fatalf("unexpected Content-Disposition: %s", cd)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
			t.Fatalf("unexpected Content-Type: %s", ct)
		}
		if rec.Header().Get("X-Job-Id") != jobID {
			t.Fatalf("unexpected X-Job-Id: %s", rec.Header().Get("X-Job-Id"))
		}
		if body := rec.Body.Bytes(); len(body) == 0 || body[len(body)-1] != 16 {
			t.Fatal("unexpected 16-bit body")
		}
	}

	rec := srv.get("/download/" + jobID + "/24")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Disposition") != `attachment; filename="mastered_24bit.wav"` {
		t.Fatalf("unexpected 24-bit response: %d %v", rec.Code, rec.Header())
	}

	bad := srv.get("/download/" + jobID + "/99")
	if bad.Code != http.StatusBadRequest || decodeBody(t, bad)["code"] != CodeInvalidBitDepth {
		t.Fatalf("unexpected response for depth 99: %d %s", bad.Code, bad.Body.String())
	}

	entries, _ := os.ReadDir(srv.files.UploadDir())
	if len(entries) != 0 {
		t.Fatalf("inputs not cleaned up: %d entries", len(entries))
	}
}

func TestDownloadOutputMissing(t *testing.T) {
	srv := newPipelineServer(t, masteringEngine())
	jobID := uploadPair(t, srv)
	waitForTerminal(t, srv, jobID)

	if err := os.Remove(srv.files.OutputPath(jobID, 24)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec := srv.get("/download/" + jobID + "/24")
	if rec.Code != http.StatusNotFound || decodeBody(t, rec)["code"] != CodeOutputMissing {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestFailedJobShowsClassifiedMessageOnly(t *testing.T) {
	raw := "Traceback ... /srv/secret/path: sample rate of target (44100) and reference (48000) differ"
	failing := engine.Func(func(ctx context.Context, req engine.Request, log engine.LogFunc) error {
		return &engine.Error{Detail: raw}
	})
	srv := newPipelineServer(t, failing)
	jobID := uploadPair(t, srv)

	payload := waitForTerminal(t, srv, jobID)
	if payload["status"] != string(jobs.StatusError) {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["error_code"] != jobs.CodeSampleRateMismatch {
		t.Fatalf("unexpected error_code: %v", payload["error_code"])
	}
	if msg, ok := payload["error"].(string); !ok || msg == "" || msg != payload["progress"] {
		t.Fatalf("error should be the user-facing message: %v", payload["error"])
	}
	if bytes.Contains(srv.get("/status/"+jobID).Body.Bytes(), []byte("/srv/secret/path")) {
		t.Fatal("raw engine output leaked to the client")
	}
	if _, ok := payload["output_16bit"]; ok {
		t.Fatal("failed job exposes outputs")
	}

	rec := srv.get("/download/" + jobID + "/16")
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["code"] != CodeJobNotReady {
		t.Fatalf("unexpected download response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestConcurrentUploadsGetDistinctJobs(t *testing.T) {
	srv := newPipelineServer(t, masteringEngine())

	ids := make(chan string, 4)
	for i := 0; i < 4; i++ {
		go func() {
			rec := srv.do(uploadRequest(t,
				formFile{"target", "mix.wav", wavBytes},
				formFile{"reference", "ref.wav", wavBytes},
			))
			var payload map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &payload)
			ids <- payload["job_id"]
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		id := <-ids
		if id == "" || seen[id] {
			t.Fatalf("missing or duplicate job id %q", id)
		}
		seen[id] = true
	}
	for id := range seen {
		payload := waitForTerminal(t, srv, id)
		if payload["job_id"] != id || payload["output_16bit"] != id+"_mastered_16bit.wav" {
			t.Fatalf("job %s sees foreign state: %v", id, payload)
		}
	}
}
