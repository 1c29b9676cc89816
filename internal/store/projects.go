package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/taskcache/internal/schema"
)

// ListProjects returns cached projects. Archived projects are only included
// when includeArchived is set.
func (db *DB) ListProjects(ctx context.Context, includeArchived bool) ([]*schema.Project, error) {
	query := `SELECT id, title, description, archived, created_at, updated_at FROM projects`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY title ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*schema.Project
	for rows.Next() {
		var p schema.Project
		var archived int
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &archived, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Archived = archived != 0
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// UpsertProjects writes a batch of projects in one transaction.
func (db *DB) UpsertProjects(ctx context.Context, projects []*schema.Project) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range projects {
			if err := upsertProject(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	}, TopicProjects)
}

func upsertProject(ctx context.Context, q querier, p *schema.Project) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO projects (id, title, description, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			archived = excluded.archived,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		p.ID, p.Title, p.Description, boolToInt(p.Archived), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert project %d: %w", p.ID, err)
	}
	return nil
}
