package storage

import "fmt"

// 对象 key 的派生规则集中在这里，原件与预览件使用独立的命名空间，
// 分块临时对象挂在原件 key 之下，保证同一文件的所有对象可以按前缀定位。
const (
	originalPrefix = "originals"
	previewPrefix  = "previews"
)

// OriginalKey 返回原件对象的存储 key。
func OriginalKey(projectSlug, fileID string) string {
	return fmt.Sprintf("%s/%s/%s", originalPrefix, projectSlug, fileID)
}

// PreviewKey 返回预览件对象的存储 key。
func PreviewKey(projectSlug, fileID string) string {
	return fmt.Sprintf("%s/%s/%s", previewPrefix, projectSlug, fileID)
}

// ChunkKey 返回第 index 块的临时对象 key。
func ChunkKey(originalKey string, index int) string {
	return fmt.Sprintf("%s.chunk.%d", originalKey, index)
}

// PreviewPartKey 返回渐进优化过程中第 index 块预览片段的暂存 key。
func PreviewPartKey(previewKey string, index int) string {
	return fmt.Sprintf("%s.part.%d", previewKey, index)
}
