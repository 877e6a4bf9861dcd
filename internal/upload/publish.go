package upload

import (
	"context"
	"errors"
	"fmt"

	"droppack/internal/repository"
	"droppack/internal/session"
)

// PublishResult 是发布动作的产出：项目记录加公开文件列表。
type PublishResult struct {
	Project *repository.ProjectRecord      `json:"project"`
	Files   []repository.FileMetadataRecord `json:"files"`
	URL     string                          `json:"url"`
}

// Publish 在所有文件装配完成后物化公开项目记录。
// 幂等：项目已存在时返回存量记录，不产生重复行。
// 优化是否完成不影响发布，预览件可以在项目上线后继续生成。
func (s *Service) Publish(ctx context.Context, sessionID string) (*PublishResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status != session.SessionStatusCompleted && !sess.AllAssembled() {
		return nil, fmt.Errorf("%w: session %s", ErrSessionIncomplete, sessionID)
	}

	record := &repository.ProjectRecord{
		Slug:        sess.ProjectSlug,
		Title:       sess.Metadata.Title,
		Description: sess.Metadata.Description,
		Template:    sess.Metadata.Template,
		Author:      sess.Metadata.Author,
		ExpiresAt:   sess.Metadata.ExpiresAt,
	}
	if sess.Metadata.Password != "" {
		record.Password = &sess.Metadata.Password
	}
	if record.Title == "" {
		record.Title = "Untitled"
	}

	// Create 以 slug 幂等，重复发布与并发发布都落到同一行
	project, err := s.projects.Create(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("persist project: %w", err)
	}

	if sess.Status != session.SessionStatusCompleted {
		if err := s.sessions.SetSessionStatus(ctx, sessionID, session.SessionStatusCompleted); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			s.logger.Printf("session %s complete: %v", sessionID, err)
		}
		projectsPublishedTotal.Inc()
	}

	files, err := s.meta.ListByProject(ctx, sess.ProjectSlug)
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}

	return &PublishResult{
		Project: project,
		Files:   files,
		URL:     s.ProjectURL(sess.ProjectSlug),
	}, nil
}
