package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"droppack/internal/repository"
)

// NewProjectRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// ProjectRepository 实现 repository.ProjectRepository。
type ProjectRepository struct {
	db *sql.DB
}

var projectSelectColumns = []string{
	"slug",
	"title",
	"description",
	"template",
	"author",
	"password",
	"expires_at",
	"view_count",
	"created_at",
}

// Create 以 slug 幂等插入：并发发布同一会话时只会产生一行，
// 冲突方拿回存量记录。
func (r *ProjectRepository) Create(ctx context.Context, record *repository.ProjectRecord) (*repository.ProjectRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("project record is nil")
	}

	var expires sql.NullTime
	if record.ExpiresAt != nil {
		expires = sql.NullTime{Time: *record.ExpiresAt, Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO projects (slug, title, description, template, author, password, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (slug) DO NOTHING
	RETURNING %s`, strings.Join(projectSelectColumns, ","))

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.Slug,
		record.Title,
		record.Description,
		record.Template,
		record.Author,
		nullString(record.Password),
		expires,
	)

	created, err := scanProjectRecord(row)
	if err == sql.ErrNoRows {
		// 冲突分支：别人已经发布过了
		return r.GetBySlug(ctx, record.Slug)
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetBySlug 通过 slug 查询项目。
func (r *ProjectRepository) GetBySlug(ctx context.Context, slug string) (*repository.ProjectRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE slug = $1`, strings.Join(projectSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, slug)
	record, err := scanProjectRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// IncrementViews 原子自增浏览计数。
func (r *ProjectRepository) IncrementViews(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE projects SET view_count = view_count + 1 WHERE slug = $1`, slug)
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

func scanProjectRecord(rs rowScanner) (*repository.ProjectRecord, error) {
	var (
		rec         repository.ProjectRecord
		description sql.NullString
		template    sql.NullString
		author      sql.NullString
		password    sql.NullString
		expiresAt   sql.NullTime
		createdAt   time.Time
	)

	if err := rs.Scan(
		&rec.Slug,
		&rec.Title,
		&description,
		&template,
		&author,
		&password,
		&expiresAt,
		&rec.ViewCount,
		&createdAt,
	); err != nil {
		return nil, err
	}

	rec.Description = description.String
	rec.Template = template.String
	rec.Author = author.String
	if password.Valid {
		rec.Password = &password.String
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	rec.CreatedAt = createdAt
	return &rec, nil
}
