package store

import (
	"context"
	"fmt"

	"taskhub/internal/idgen"
	"taskhub/internal/model"
)

// CreateArtifact records a file a run produced. The Supervisor calls this
// only after verifying the referenced path exists within the run directory.
func (s *Store) CreateArtifact(ctx context.Context, runID, fileID, title string, kind model.ArtifactKind, mime, path string, sizeBytes int64) (string, error) {
	artifactID := idgen.ArtifactID()
	_, err := s.db.ExecContext(ctx, rebind(`
		INSERT INTO artifacts (artifact_id, run_id, file_id, title, kind, mime, path, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`),
		artifactID, runID, fileID, title, kind, mime, path, sizeBytes)
	if err != nil {
		return "", fmt.Errorf("create_artifact: %w", err)
	}
	return artifactID, nil
}

// ListArtifacts returns every artifact recorded for a run, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, rebind(`
		SELECT artifact_id, run_id, file_id, title, kind, mime, path, size_bytes, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list_artifacts: %w", err)
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		var a model.Artifact
		var kind string
		if err := rows.Scan(&a.ArtifactID, &a.RunID, &a.FileID, &a.Title, &kind, &a.Mime, &a.Path, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("list_artifacts: scan: %w", err)
		}
		a.Kind = model.ArtifactKind(kind)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetArtifact looks up a single artifact by run and file id, used to serve
// GET /runs/{id}/files/{file_id}.
func (s *Store) GetArtifact(ctx context.Context, runID, fileID string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, rebind(`
		SELECT artifact_id, run_id, file_id, title, kind, mime, path, size_bytes, created_at
		FROM artifacts WHERE run_id = $1 AND file_id = $2`), runID, fileID)
	var a model.Artifact
	var kind string
	err := row.Scan(&a.ArtifactID, &a.RunID, &a.FileID, &a.Title, &kind, &a.Mime, &a.Path, &a.SizeBytes, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Kind = model.ArtifactKind(kind)
	return &a, nil
}
