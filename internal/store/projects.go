package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"studio-jobcore/internal/models"
)

// GetProject loads a project with its workflow metadata document.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	var p models.Project
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, name, client_name, client_email, status_key, data_profile, metadata, updated_at
		FROM projects WHERE project_id = $1
	`, id).Scan(&p.ID, &p.Name, &p.ClientName, &p.ClientEmail, &p.StatusKey, &p.DataProfile, &meta, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, models.ErrProjectNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.Metadata = json.RawMessage(meta)
	return p, nil
}

// UpsertProject creates or replaces a project row. Used for seeding and by
// the surrounding system's project lookup sync.
func (s *Store) UpsertProject(ctx context.Context, p models.Project) error {
	meta := []byte(p.Metadata)
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	if p.DataProfile == "" {
		p.DataProfile = models.DataProfileReal
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (project_id, name, client_name, client_email, status_key, data_profile, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (project_id) DO UPDATE
		SET name = EXCLUDED.name, client_name = EXCLUDED.client_name, client_email = EXCLUDED.client_email,
		    status_key = EXCLUDED.status_key, data_profile = EXCLUDED.data_profile,
		    metadata = EXCLUDED.metadata, updated_at = NOW()
	`, p.ID, p.Name, p.ClientName, p.ClientEmail, p.StatusKey, p.DataProfile, meta)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// UpdateProjectMetadata rewrites the workflow metadata document with fn
// while holding the project row lock. Concurrent writers queue on the row
// and each sees the document the previous one committed.
func (s *Store) UpdateProjectMetadata(ctx context.Context, id string, fn func(doc []byte) ([]byte, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin metadata tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT metadata FROM projects WHERE project_id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrProjectNotFound
	}
	if err != nil {
		return fmt.Errorf("lock project metadata: %w", err)
	}
	next, err := fn(doc)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE projects SET metadata = $2, updated_at = NOW() WHERE project_id = $1`, id, next); err != nil {
		return fmt.Errorf("save project metadata: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit metadata tx: %w", err)
	}
	return nil
}

// UpdateProjectStatus sets the project's coarse status key.
func (s *Store) UpdateProjectStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE projects SET status_key = $2, updated_at = NOW() WHERE project_id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrProjectNotFound
	}
	return nil
}
