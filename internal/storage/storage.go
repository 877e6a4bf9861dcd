package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound 表示目标对象不存在，各驱动需用 %w 包装返回。
var ErrObjectNotFound = errors.New("storage: object not found")

// Writer 定义对象存储写接口，支持流式写入。
type Writer interface {
	Write(ctx context.Context, key string, r io.Reader) (Location, error)
}

// Reader 定义对象存储读接口，支持流式读取。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
}

// Deleter 定义对象删除接口，分块清理依赖它。
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Storage 组合了读写删能力的完整存储接口。
type Storage interface {
	Writer
	Reader
	Deleter
}

// Location 描述已经写入对象的可访问信息。
type Location struct {
	Path string
	URL  string
}
