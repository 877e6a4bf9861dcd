package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"droppack/internal/repository"
)

// NewFileMetadataRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileMetadataRepository(db *sql.DB) *FileMetadataRepository {
	return &FileMetadataRepository{db: db}
}

// FileMetadataRepository 实现 repository.FileMetadataRepository。
type FileMetadataRepository struct {
	db *sql.DB
}

var metadataSelectColumns = []string{
	"id",
	"project_slug",
	"file_name",
	"content_type",
	"size_bytes",
	"original_key",
	"preview_key",
	"has_preview",
	"optimization_status",
	"preview_content_type",
	"preview_size_bytes",
	"compression_ratio",
	"created_at",
}

var metadataInsertColumns = []string{
	"id",
	"project_slug",
	"file_name",
	"content_type",
	"size_bytes",
	"original_key",
	"optimization_status",
}

// Create 插入元数据记录并返回数据库生成字段（如时间戳）。
func (r *FileMetadataRepository) Create(ctx context.Context, record *repository.FileMetadataRecord) (*repository.FileMetadataRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("metadata record is nil")
	}

	placeholders := make([]string, len(metadataInsertColumns))
	for i := range metadataInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO file_metadata (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(metadataInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(metadataSelectColumns, ","),
	)

	status := record.OptimizationStatus
	if status == "" {
		status = repository.OptimizationPending
	}

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.ProjectSlug,
		record.FileName,
		record.ContentType,
		record.SizeBytes,
		record.OriginalKey,
		status,
	)

	return scanMetadataRecord(row)
}

// GetByID 通过主键查询元数据记录。
func (r *FileMetadataRepository) GetByID(ctx context.Context, id string) (*repository.FileMetadataRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_metadata WHERE id = $1`, strings.Join(metadataSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	record, err := scanMetadataRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListByProject 返回项目下的全部文件，按创建顺序排列。
func (r *FileMetadataRepository) ListByProject(ctx context.Context, projectSlug string) ([]repository.FileMetadataRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_metadata WHERE project_slug = $1 ORDER BY created_at ASC`,
		strings.Join(metadataSelectColumns, ","))

	rows, err := r.db.QueryContext(ctx, query, projectSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.FileMetadataRecord
	for rows.Next() {
		rec, err := scanMetadataRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetOptimization 一次性写入优化结果，之后记录不再变更。
func (r *FileMetadataRepository) SetOptimization(ctx context.Context, id string, result repository.OptimizationResult) error {
	query := `UPDATE file_metadata SET
		optimization_status = $1,
		has_preview = $2,
		preview_key = $3,
		preview_content_type = $4,
		preview_size_bytes = $5,
		compression_ratio = $6
	WHERE id = $7`

	res, err := r.db.ExecContext(
		ctx,
		query,
		result.Status,
		result.HasPreview,
		nullString(result.PreviewKey),
		nullString(result.PreviewContentType),
		nullInt64(result.PreviewSizeBytes),
		nullFloat64(result.CompressionRatio),
		id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadataRecord(rs rowScanner) (*repository.FileMetadataRecord, error) {
	var (
		rec                repository.FileMetadataRecord
		previewKey         sql.NullString
		previewContentType sql.NullString
		previewSizeBytes   sql.NullInt64
		compressionRatio   sql.NullFloat64
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.ProjectSlug,
		&rec.FileName,
		&rec.ContentType,
		&rec.SizeBytes,
		&rec.OriginalKey,
		&previewKey,
		&rec.HasPreview,
		&rec.OptimizationStatus,
		&previewContentType,
		&previewSizeBytes,
		&compressionRatio,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	if previewKey.Valid {
		rec.PreviewKey = &previewKey.String
	}
	if previewContentType.Valid {
		rec.PreviewContentType = &previewContentType.String
	}
	if previewSizeBytes.Valid {
		rec.PreviewSizeBytes = &previewSizeBytes.Int64
	}
	if compressionRatio.Valid {
		rec.CompressionRatio = &compressionRatio.Float64
	}
	return &rec, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
