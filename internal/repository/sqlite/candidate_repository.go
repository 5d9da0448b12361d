package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"audioqueue/internal/domain"
	"audioqueue/internal/repository"
)

const createCandidatesTable = `
CREATE TABLE IF NOT EXISTS import_candidates (
	hash TEXT PRIMARY KEY,
	candidates TEXT NOT NULL DEFAULT '[]',
	selected TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

type CandidateRepository struct {
	db *sql.DB
}

func NewCandidateRepository(db *sql.DB) repository.CandidateRepository {
	return &CandidateRepository{db: db}
}

func (r *CandidateRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createCandidatesTable); err != nil {
		return fmt.Errorf("create import_candidates table: %w", err)
	}
	return nil
}

// GetCandidates returns an empty list for unknown hashes.
func (r *CandidateRepository) GetCandidates(ctx context.Context, hash string) ([]domain.Candidate, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `
SELECT candidates FROM import_candidates WHERE hash = ?`, normalizeHash(hash)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.Candidate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	candidates := []domain.Candidate{}
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return candidates, nil
}

// SaveCandidates replaces the candidate list and keeps any prior selection.
func (r *CandidateRepository) SaveCandidates(ctx context.Context, hash string, candidates []domain.Candidate) error {
	if candidates == nil {
		candidates = []domain.Candidate{}
	}
	raw, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `
INSERT INTO import_candidates (hash, candidates, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET candidates = excluded.candidates, updated_at = excluded.updated_at`,
		normalizeHash(hash),
		string(raw),
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert candidates: %w", err)
	}
	return nil
}

func (r *CandidateRepository) SelectCandidate(ctx context.Context, hash, candidateID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE import_candidates SET selected = ?, updated_at = ?
WHERE hash = ?`,
		candidateID,
		time.Now().UTC(),
		normalizeHash(hash),
	)
	if err != nil {
		return fmt.Errorf("select candidate: %w", err)
	}
	return requireAffected(res, "candidates for", hash)
}

// GetSelected returns "" when nothing was chosen yet.
func (r *CandidateRepository) GetSelected(ctx context.Context, hash string) (string, error) {
	var selected string
	err := r.db.QueryRowContext(ctx, `
SELECT selected FROM import_candidates WHERE hash = ?`, normalizeHash(hash)).Scan(&selected)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query selected candidate: %w", err)
	}
	return selected, nil
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
