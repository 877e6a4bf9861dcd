package analytics

import (
	"context"
	"log"
)

// Sink 是外部分析服务的协作接口。调用方一律即发即忘，
// 记录失败不得影响主流程。
type Sink interface {
	RecordView(ctx context.Context, fileID, projectSlug string) error
}

// LogSink 把浏览事件打到日志，作为默认实现。
type LogSink struct {
	Logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) RecordView(ctx context.Context, fileID, projectSlug string) error {
	if s != nil && s.Logger != nil {
		s.Logger.Printf("view file=%s project=%s", fileID, projectSlug)
	}
	return nil
}
