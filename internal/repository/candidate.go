package repository

import (
	"context"

	"audioqueue/internal/domain"
)

// CandidateRepository stores the import matches proposed for a torrent,
// keyed by its content hash.
type CandidateRepository interface {
	Init(ctx context.Context) error
	GetCandidates(ctx context.Context, hash string) ([]domain.Candidate, error)
	SaveCandidates(ctx context.Context, hash string, candidates []domain.Candidate) error
	SelectCandidate(ctx context.Context, hash, candidateID string) error
	GetSelected(ctx context.Context, hash string) (string, error)
}
