package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"droppack/internal/analytics"
	"droppack/internal/files"
	"droppack/internal/optimize"
	"droppack/internal/repository"
	"droppack/internal/session"
	"droppack/internal/storage/local"
	"droppack/internal/upload"

	"github.com/go-chi/chi/v5"
)

type fakeMetaRepo struct {
	mu      sync.Mutex
	records map[string]*repository.FileMetadataRecord
}

func newFakeMetaRepo() *fakeMetaRepo {
	return &fakeMetaRepo{records: make(map[string]*repository.FileMetadataRecord)}
}

func (f *fakeMetaRepo) Create(ctx context.Context, record *repository.FileMetadataRecord) (*repository.FileMetadataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *record
	f.records[record.ID] = &clone
	return &clone, nil
}

func (f *fakeMetaRepo) GetByID(ctx context.Context, id string) (*repository.FileMetadataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeMetaRepo) ListByProject(ctx context.Context, slug string) ([]repository.FileMetadataRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.FileMetadataRecord
	for _, rec := range f.records {
		if rec.ProjectSlug == slug {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeMetaRepo) SetOptimization(ctx context.Context, id string, result repository.OptimizationResult) error {
	return nil
}

type fakeProjectRepo struct {
	mu       sync.Mutex
	projects map[string]*repository.ProjectRecord
}

func newFakeProjectRepo() *fakeProjectRepo {
	return &fakeProjectRepo{projects: make(map[string]*repository.ProjectRecord)}
}

func (f *fakeProjectRepo) Create(ctx context.Context, record *repository.ProjectRecord) (*repository.ProjectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.projects[record.Slug]; ok {
		clone := *existing
		return &clone, nil
	}
	clone := *record
	clone.CreatedAt = time.Now().UTC()
	f.projects[record.Slug] = &clone
	out := clone
	return &out, nil
}

func (f *fakeProjectRepo) GetBySlug(ctx context.Context, slug string) (*repository.ProjectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.projects[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeProjectRepo) IncrementViews(ctx context.Context, slug string) error {
	return nil
}

type noopOptimizer struct{}

func (noopOptimizer) Enqueue(optimize.Job) {}

type testServer struct {
	router   chi.Router
	sessions *session.MemoryStore
}

func newTestServer(t *testing.T, cfg upload.Config) *testServer {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	sessions := session.NewMemoryStore(time.Hour)
	blobs := local.New(t.TempDir(), "")
	meta := newFakeMetaRepo()
	projects := newFakeProjectRepo()

	uploadSvc := upload.NewService(sessions, blobs, meta, projects, noopOptimizer{}, nil, logger, cfg)
	fileSvc := files.NewService(meta, blobs, analytics.NewLogSink(logger), logger)

	r := chi.NewRouter()
	NewUploadHandler(uploadSvc, logger, cfg.ChunkSize+1024).RegisterRoutes(r)
	NewFileHandler(fileSvc, logger).RegisterRoutes(r)
	NewProjectHandler(projects, meta, logger).RegisterRoutes(r)

	return &testServer{router: r, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v (body %s)", err, rec.Body.String())
	}
}

type initResponse struct {
	SessionID   string    `json:"session_id"`
	ProjectSlug string    `json:"project_slug"`
	ChunkSize   int64     `json:"chunk_size"`
	ExpiresAt   time.Time `json:"expires_at"`
	Files       []struct {
		FileID      string `json:"file_id"`
		FileName    string `json:"file_name"`
		TotalChunks int    `json:"total_chunks"`
		UploadURL   string `json:"upload_url"`
	} `json:"files"`
}

func initUpload(t *testing.T, ts *testServer, body string) initResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/uploads", strings.NewReader(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("init status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp initResponse
	decodeData(t, rec, &resp)
	return resp
}

func TestInitSessionEndpoint(t *testing.T) {
	ts := newTestServer(t, upload.Config{ChunkSize: 4})

	resp := initUpload(t, ts, `{"files":[{"file_name":"a.txt","file_size":8,"content_type":"text/plain"}],"metadata":{"title":"hello"}}`)
	if resp.SessionID == "" || len(resp.ProjectSlug) != 8 {
		t.Fatalf("unexpected init response: %+v", resp)
	}
	if resp.ChunkSize != 4 {
		t.Errorf("chunk_size = %d", resp.ChunkSize)
	}
	if resp.ExpiresAt.IsZero() {
		t.Error("expires_at must be set")
	}
	if len(resp.Files) != 1 || resp.Files[0].TotalChunks != 2 {
		t.Fatalf("files = %+v", resp.Files)
	}
	wantURL := "/uploads/" + resp.SessionID + "/files/" + resp.Files[0].FileID + "/chunks"
	if resp.Files[0].UploadURL != wantURL {
		t.Errorf("upload_url = %q, want %q", resp.Files[0].UploadURL, wantURL)
	}
}

func TestInitSessionValidationErrors(t *testing.T) {
	ts := newTestServer(t, upload.Config{ChunkSize: 4})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"files":`, http.StatusBadRequest},
		{"unknown field", `{"bogus":true}`, http.StatusBadRequest},
		{"no files", `{"files":[]}`, http.StatusBadRequest},
		{"zero size", `{"files":[{"file_name":"a","file_size":0}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/uploads", strings.NewReader(tc.body))
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func waitForFileStatus(t *testing.T, ts *testServer, sessionID, fileID string, want session.FileStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := ts.sessions.Get(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if f := sess.FileByID(fileID); f != nil && f.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s never reached %q", fileID, want)
}

func TestChunkUploadPublishAndServe(t *testing.T) {
	ts := newTestServer(t, upload.Config{ChunkSize: 4, PublicBaseURL: "http://localhost:8080"})

	resp := initUpload(t, ts, `{"files":[{"file_name":"a.bin","file_size":8,"content_type":"application/octet-stream"}],"metadata":{"title":"drop"}}`)
	sessionID, fileID := resp.SessionID, resp.Files[0].FileID
	base := "/uploads/" + sessionID + "/files/" + fileID + "/chunks/"

	// 乱序提交：先 1 后 0
	rec := ts.do(t, http.MethodPut, base+"1?last=true", bytes.NewReader([]byte("bbbb")))
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk 1 status = %d, body %s", rec.Code, rec.Body.String())
	}
	var chunkResp struct {
		ChunkIndex     int  `json:"chunk_index"`
		ChunksReceived int  `json:"chunks_received"`
		TotalChunks    int  `json:"total_chunks"`
		FileComplete   bool `json:"file_complete"`
	}
	decodeData(t, rec, &chunkResp)
	if chunkResp.ChunksReceived != 1 || chunkResp.FileComplete {
		t.Fatalf("chunk 1 response = %+v", chunkResp)
	}

	rec = ts.do(t, http.MethodPut, base+"0", bytes.NewReader([]byte("aaaa")))
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk 0 status = %d, body %s", rec.Code, rec.Body.String())
	}
	decodeData(t, rec, &chunkResp)
	if !chunkResp.FileComplete {
		t.Fatalf("chunk 0 response = %+v", chunkResp)
	}

	waitForFileStatus(t, ts, sessionID, fileID, session.FileStatusAssembled)

	// 状态轮询
	rec = ts.do(t, http.MethodGet, "/uploads/"+sessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status poll = %d", rec.Code)
	}
	var statusResp struct {
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
		Files    []struct {
			Status         string `json:"status"`
			UploadedChunks int    `json:"uploaded_chunks"`
		} `json:"files"`
	}
	decodeData(t, rec, &statusResp)
	if len(statusResp.Files) != 1 || statusResp.Files[0].UploadedChunks != 2 {
		t.Fatalf("status response = %+v", statusResp)
	}
	if statusResp.Files[0].Status != string(session.FileStatusAssembled) {
		t.Fatalf("file status = %q", statusResp.Files[0].Status)
	}

	// 发布
	rec = ts.do(t, http.MethodPost, "/uploads/"+sessionID+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	var publishResp struct {
		Project struct {
			Slug  string `json:"slug"`
			Title string `json:"title"`
		} `json:"project"`
		URL string `json:"url"`
	}
	decodeData(t, rec, &publishResp)
	if publishResp.Project.Slug != resp.ProjectSlug {
		t.Fatalf("published slug = %q, want %q", publishResp.Project.Slug, resp.ProjectSlug)
	}
	if publishResp.URL != "http://localhost:8080/projects/"+resp.ProjectSlug {
		t.Fatalf("url = %q", publishResp.URL)
	}

	// 项目读取
	rec = ts.do(t, http.MethodGet, "/projects/"+resp.ProjectSlug, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get project = %d, body %s", rec.Code, rec.Body.String())
	}
	var projResp struct {
		Project struct {
			Title string `json:"title"`
		} `json:"project"`
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	decodeData(t, rec, &projResp)
	if projResp.Project.Title != "drop" || len(projResp.Files) != 1 {
		t.Fatalf("project response = %+v", projResp)
	}

	// 文件下载：字节序与分块到达顺序无关
	rec = ts.do(t, http.MethodGet, "/files/"+fileID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("serve file = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "aaaabbbb" {
		t.Fatalf("file body = %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("disposition = %q", cd)
	}
}

func TestUploadChunkErrors(t *testing.T) {
	ts := newTestServer(t, upload.Config{ChunkSize: 4})

	resp := initUpload(t, ts, `{"files":[{"file_name":"a.bin","file_size":8,"content_type":"application/octet-stream"}]}`)
	base := "/uploads/" + resp.SessionID + "/files/" + resp.Files[0].FileID + "/chunks/"

	rec := ts.do(t, http.MethodPut, "/uploads/ghost/files/ghost/chunks/0", bytes.NewReader([]byte("aaaa")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, base+"abc", bytes.NewReader([]byte("aaaa")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-integer index status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, base+"5", bytes.NewReader([]byte("aaaa")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range index status = %d", rec.Code)
	}

	oversized := bytes.Repeat([]byte{'x'}, 4+1024+1)
	rec = ts.do(t, http.MethodPut, base+"0", bytes.NewReader(oversized))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized chunk status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCompleteBeforeAllChunks(t *testing.T) {
	ts := newTestServer(t, upload.Config{ChunkSize: 4})

	resp := initUpload(t, ts, `{"files":[{"file_name":"a.bin","file_size":8,"content_type":"application/octet-stream"}]}`)

	rec := ts.do(t, http.MethodPost, "/uploads/"+resp.SessionID+"/complete", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("premature complete status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/uploads/ghost/complete", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session complete status = %d", rec.Code)
	}
}

func TestServeFileModeValidation(t *testing.T) {
	ts := newTestServer(t, upload.Config{ChunkSize: 4})

	rec := ts.do(t, http.MethodGet, "/files/some-id?mode=sideways", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/files/unknown-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown file status = %d", rec.Code)
	}
}
