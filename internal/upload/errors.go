package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFiles 表示会话创建请求不含任何文件。
	ErrNoFiles = errors.New("upload: session requires at least one file")

	// ErrTooManyFiles 表示超出单会话文件数上限。
	ErrTooManyFiles = errors.New("upload: too many files in one session")

	// ErrFileTooLarge 表示单文件超出允许的最大体积。
	ErrFileTooLarge = errors.New("upload: file exceeds size limit")

	// ErrInvalidFileSize 表示申报的文件大小非正数。
	ErrInvalidFileSize = errors.New("upload: file size must be positive")

	// ErrLimitExceeded 表示用量闸门拒绝了本次上传。
	ErrLimitExceeded = errors.New("upload: usage limit exceeded")

	// ErrInvalidChunkIndex 表示分块下标越界。
	ErrInvalidChunkIndex = errors.New("upload: invalid chunk index")

	// ErrSessionIncomplete 表示还有文件未装配完成，项目不能发布。
	ErrSessionIncomplete = errors.New("upload: session has unassembled files")

	// ErrAssemblyNotAdmitted 表示另一个调用方赢得了装配权，本次直接返回。
	// 对触发方而言这不是故障。
	ErrAssemblyNotAdmitted = errors.New("upload: assembly already claimed")
)

// MissingChunkError 表示装配阶段发现某个分块对象缺失，属于硬错误。
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("upload: missing chunk %d", e.Index)
}
