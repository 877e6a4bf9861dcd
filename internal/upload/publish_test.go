package upload

import (
	"bytes"
	"context"
	"testing"

	"droppack/internal/session"

	"github.com/stretchr/testify/require"
)

func TestPublish_IncompleteSession(t *testing.T) {
	env := newTestEnv(t, Config{ChunkSize: 4})
	ctx := context.Background()

	sess, file := env.initSingleFile(t, "half.bin", "application/octet-stream", 8)

	// 只到了一半，发布必须被拒
	_, err := env.svc.Ingest(ctx, sess.ID, file.ID, 0, bytes.NewReader([]byte("aaaa")), false)
	require.NoError(t, err)

	_, err = env.svc.Publish(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionIncomplete)
}

func TestPublish_Idempotent(t *testing.T) {
	env := newTestEnv(t, Config{ChunkSize: 4, PublicBaseURL: "https://drop.example.com"})
	ctx := context.Background()

	sess, err := env.svc.InitSession(ctx, InitSessionInput{
		Owner: "tester",
		Files: []InitFileInput{{FileName: "a.txt", FileSize: 4, ContentType: "text/plain"}},
		Metadata: session.ProjectMetadata{
			Title:  "demo drop",
			Author: "tester",
		},
	})
	require.NoError(t, err)
	file := &sess.Files[0]

	_, err = env.svc.Ingest(ctx, sess.ID, file.ID, 0, bytes.NewReader([]byte("data")), true)
	require.NoError(t, err)
	waitFor(t, "assembly", func() bool {
		return env.fileStatus(t, sess.ID, file.ID) == session.FileStatusAssembled
	})

	first, err := env.svc.Publish(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ProjectSlug, first.Project.Slug)
	require.Equal(t, "demo drop", first.Project.Title)
	require.Equal(t, "https://drop.example.com/projects/"+sess.ProjectSlug, first.URL)
	require.Len(t, first.Files, 1)

	got, err := env.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.SessionStatusCompleted, got.Status)

	// 重复发布落到同一条项目记录
	second, err := env.svc.Publish(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, first.Project.Slug, second.Project.Slug)
	require.Equal(t, first.Project.CreatedAt, second.Project.CreatedAt)

	env.projects.mu.Lock()
	require.Len(t, env.projects.projects, 1, "re-publish must not create a second project row")
	env.projects.mu.Unlock()
}

func TestPublish_DefaultTitle(t *testing.T) {
	env := newTestEnv(t, Config{ChunkSize: 4})
	ctx := context.Background()

	sess, file := env.initSingleFile(t, "a.txt", "text/plain", 4)
	_, err := env.svc.Ingest(ctx, sess.ID, file.ID, 0, bytes.NewReader([]byte("data")), true)
	require.NoError(t, err)
	waitFor(t, "assembly", func() bool {
		return env.fileStatus(t, sess.ID, file.ID) == session.FileStatusAssembled
	})

	result, err := env.svc.Publish(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Untitled", result.Project.Title)
}

func TestInitSession_Validation(t *testing.T) {
	env := newTestEnv(t, Config{ChunkSize: 4, MaxFileSize: 100, MaxFiles: 2})
	ctx := context.Background()

	_, err := env.svc.InitSession(ctx, InitSessionInput{Owner: "t"})
	require.ErrorIs(t, err, ErrNoFiles)

	_, err = env.svc.InitSession(ctx, InitSessionInput{
		Owner: "t",
		Files: []InitFileInput{
			{FileName: "a", FileSize: 1}, {FileName: "b", FileSize: 1}, {FileName: "c", FileSize: 1},
		},
	})
	require.ErrorIs(t, err, ErrTooManyFiles)

	_, err = env.svc.InitSession(ctx, InitSessionInput{
		Owner: "t",
		Files: []InitFileInput{{FileName: "huge", FileSize: 101}},
	})
	require.ErrorIs(t, err, ErrFileTooLarge)

	_, err = env.svc.InitSession(ctx, InitSessionInput{
		Owner: "t",
		Files: []InitFileInput{{FileName: "empty", FileSize: 0}},
	})
	require.ErrorIs(t, err, ErrInvalidFileSize)

	_, err = env.svc.InitSession(ctx, InitSessionInput{
		Owner: "t",
		Files: []InitFileInput{{FileName: "neg", FileSize: -1}},
	})
	require.ErrorIs(t, err, ErrInvalidFileSize)
}

func TestInitSession_DerivesKeysAndChunkCounts(t *testing.T) {
	env := newTestEnv(t, Config{ChunkSize: 10})
	ctx := context.Background()

	sess, err := env.svc.InitSession(ctx, InitSessionInput{
		Owner: "t",
		Files: []InitFileInput{
			{FileName: "exact.bin", FileSize: 20, ContentType: "application/octet-stream"},
			{FileName: "tail.bin", FileSize: 21, ContentType: "application/octet-stream"},
		},
	})
	require.NoError(t, err)
	require.Len(t, sess.ProjectSlug, 8)
	require.Equal(t, 2, sess.Files[0].TotalChunks)
	require.Equal(t, 3, sess.Files[1].TotalChunks)
	require.Equal(t, "originals/"+sess.ProjectSlug+"/"+sess.Files[0].ID, sess.Files[0].OriginalKey)
	require.Equal(t, "previews/"+sess.ProjectSlug+"/"+sess.Files[0].ID, sess.Files[0].PreviewKey)
}
