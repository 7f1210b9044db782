package blog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const postColumns = `id, slug, title, excerpt, body, cover_image_url, published, published_at,
	COALESCE(author_id::text, ''), created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var p Post
	var publishedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Excerpt, &p.Body, &p.CoverImageURL,
		&p.Published, &publishedAt, &p.AuthorID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	if publishedAt.Valid {
		value := publishedAt.Time.UTC()
		p.PublishedAt = &value
	}
	return p, nil
}

func (r *Repository) List(ctx context.Context, options ListOptions) ([]Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE ($1 = FALSE OR published)
		ORDER BY COALESCE(published_at, created_at) DESC
		LIMIT $2 OFFSET $3
	`, options.PublishedOnly, options.Limit, options.Offset)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func (r *Repository) GetBySlug(ctx context.Context, slug string) (Post, error) {
	p, err := scanPost(r.db.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE slug = $1
	`, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, fmt.Errorf("query post: %w", err)
	}
	return p, nil
}

func (r *Repository) Create(ctx context.Context, authorID string, input PostInput) (Post, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Post{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	var publishedAt *time.Time
	if input.Published {
		publishedAt = &now
	}

	p, err := scanPost(r.db.QueryRowContext(ctx, `
		INSERT INTO posts (id, slug, title, excerpt, body, cover_image_url, published, published_at, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid, $10, $10)
		RETURNING `+postColumns,
		id.String(), input.Slug, input.Title, input.Excerpt, input.Body, input.CoverImageURL,
		input.Published, publishedAt, authorID, now))
	if err != nil {
		if isUniqueViolation(err) {
			return Post{}, ErrSlugTaken
		}
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return p, nil
}

// Update replaces the editable fields. published_at is stamped the first time
// a post goes live and kept afterwards.
func (r *Repository) Update(ctx context.Context, id string, input PostInput) (Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Post{}, ErrPostNotFound
	}

	p, err := scanPost(r.db.QueryRowContext(ctx, `
		UPDATE posts
		SET slug = $2, title = $3, excerpt = $4, body = $5, cover_image_url = $6, published = $7,
			published_at = CASE WHEN $7 AND published_at IS NULL THEN $8 ELSE published_at END,
			updated_at = $8
		WHERE id = $1
		RETURNING `+postColumns,
		id, input.Slug, input.Title, input.Excerpt, input.Body, input.CoverImageURL, input.Published, time.Now().UTC()))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return Post{}, ErrPostNotFound
		case isUniqueViolation(err):
			return Post{}, ErrSlugTaken
		}
		return Post{}, fmt.Errorf("update post: %w", err)
	}
	return p, nil
}

func (r *Repository) SetCover(ctx context.Context, id, coverURL string) (Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Post{}, ErrPostNotFound
	}

	p, err := scanPost(r.db.QueryRowContext(ctx, `
		UPDATE posts
		SET cover_image_url = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+postColumns, id, coverURL, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, fmt.Errorf("update post cover: %w", err)
	}
	return p, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrPostNotFound
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrPostNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
