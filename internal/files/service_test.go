package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"droppack/internal/repository"
	"droppack/internal/storage"
)

type stubMetaRepo struct {
	records map[string]*repository.FileMetadataRecord
}

func (s *stubMetaRepo) Create(ctx context.Context, record *repository.FileMetadataRecord) (*repository.FileMetadataRecord, error) {
	return record, nil
}

func (s *stubMetaRepo) GetByID(ctx context.Context, id string) (*repository.FileMetadataRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *stubMetaRepo) ListByProject(ctx context.Context, slug string) ([]repository.FileMetadataRecord, error) {
	return nil, nil
}

func (s *stubMetaRepo) SetOptimization(ctx context.Context, id string, result repository.OptimizationResult) error {
	return nil
}

type stubReader struct {
	objects map[string][]byte
}

func (s *stubReader) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type recordingSink struct {
	mu    sync.Mutex
	views []string
	err   error
	done  chan struct{}
}

func (r *recordingSink) RecordView(ctx context.Context, fileID, projectSlug string) error {
	r.mu.Lock()
	r.views = append(r.views, fileID)
	r.mu.Unlock()
	if r.done != nil {
		close(r.done)
	}
	return r.err
}

func strptr(s string) *string { return &s }
func i64ptr(n int64) *int64   { return &n }

func testRecord() *repository.FileMetadataRecord {
	return &repository.FileMetadataRecord{
		ID:          "file-1",
		ProjectSlug: "slug1234",
		FileName:    "report.pdf",
		ContentType: "application/pdf",
		SizeBytes:   1024,
		OriginalKey: "originals/slug1234/file-1",
	}
}

func TestRead_DownloadServesOriginal(t *testing.T) {
	rec := testRecord()
	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{rec.ID: rec}}
	blobs := &stubReader{objects: map[string][]byte{rec.OriginalKey: []byte("original-bytes")}}
	svc := NewService(meta, blobs, nil, log.New(io.Discard, "", 0))

	content, err := svc.Read(context.Background(), "file-1", ModeDownload)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer content.Body.Close()

	if content.ContentType != "application/pdf" {
		t.Errorf("content type = %q", content.ContentType)
	}
	if content.Disposition != `attachment; filename="report.pdf"` {
		t.Errorf("disposition = %q", content.Disposition)
	}
	if content.ContentLength != 1024 {
		t.Errorf("content length = %d", content.ContentLength)
	}
	body, _ := io.ReadAll(content.Body)
	if string(body) != "original-bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestRead_PreviewServesPreviewBlob(t *testing.T) {
	rec := testRecord()
	rec.HasPreview = true
	rec.PreviewKey = strptr("previews/slug1234/file-1")
	rec.PreviewContentType = strptr("image/webp")
	rec.PreviewSizeBytes = i64ptr(256)

	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{rec.ID: rec}}
	blobs := &stubReader{objects: map[string][]byte{
		rec.OriginalKey: []byte("original-bytes"),
		*rec.PreviewKey: []byte("preview-bytes"),
	}}
	svc := NewService(meta, blobs, nil, log.New(io.Discard, "", 0))

	content, err := svc.Read(context.Background(), "file-1", ModePreview)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer content.Body.Close()

	if content.ContentType != "image/webp" {
		t.Errorf("content type = %q", content.ContentType)
	}
	if content.Disposition != "inline" {
		t.Errorf("disposition = %q", content.Disposition)
	}
	if content.ContentLength != 256 {
		t.Errorf("content length = %d", content.ContentLength)
	}
	body, _ := io.ReadAll(content.Body)
	if string(body) != "preview-bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestRead_PreviewFallsBackToOriginal(t *testing.T) {
	// 优化失败或尚未完成：没有预览件，preview 请求回落到原件
	rec := testRecord()
	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{rec.ID: rec}}
	blobs := &stubReader{objects: map[string][]byte{rec.OriginalKey: []byte("original-bytes")}}
	svc := NewService(meta, blobs, nil, log.New(io.Discard, "", 0))

	content, err := svc.Read(context.Background(), "file-1", ModePreview)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer content.Body.Close()

	body, _ := io.ReadAll(content.Body)
	if string(body) != "original-bytes" {
		t.Errorf("fallback body = %q", body)
	}
	if content.ContentType != "application/pdf" {
		t.Errorf("fallback content type = %q", content.ContentType)
	}
}

func TestRead_UnknownFile(t *testing.T) {
	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{}}
	svc := NewService(meta, &stubReader{}, nil, log.New(io.Discard, "", 0))

	_, err := svc.Read(context.Background(), "nope", ModeDownload)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestRead_MissingBlobIsNotFound(t *testing.T) {
	rec := testRecord()
	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{rec.ID: rec}}
	svc := NewService(meta, &stubReader{objects: map[string][]byte{}}, nil, log.New(io.Discard, "", 0))

	_, err := svc.Read(context.Background(), "file-1", ModeDownload)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestRead_AnalyticsFailureDoesNotFailRead(t *testing.T) {
	rec := testRecord()
	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{rec.ID: rec}}
	blobs := &stubReader{objects: map[string][]byte{rec.OriginalKey: []byte("original-bytes")}}
	sink := &recordingSink{err: errors.New("sink down"), done: make(chan struct{})}
	svc := NewService(meta, blobs, sink, log.New(io.Discard, "", 0))

	content, err := svc.Read(context.Background(), "file-1", ModeDownload)
	if err != nil {
		t.Fatalf("Read must succeed even when analytics fails: %v", err)
	}
	content.Body.Close()

	<-sink.done
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.views) != 1 || sink.views[0] != "file-1" {
		t.Fatalf("views = %v", sink.views)
	}
}

func TestGetMetadata(t *testing.T) {
	rec := testRecord()
	meta := &stubMetaRepo{records: map[string]*repository.FileMetadataRecord{rec.ID: rec}}
	svc := NewService(meta, &stubReader{}, nil, log.New(io.Discard, "", 0))

	got, err := svc.GetMetadata(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got.FileName != "report.pdf" {
		t.Errorf("file name = %q", got.FileName)
	}

	if _, err := svc.GetMetadata(context.Background(), "nope"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}
