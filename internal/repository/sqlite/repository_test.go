package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioqueue/internal/domain"
	"audioqueue/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "audioqueue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))
	require.NoError(t, repo.Init(ctx), "init is idempotent")

	alice := &domain.User{ID: "id-alice", Username: "alice", PasswordHash: "h1"}
	require.NoError(t, repo.Create(ctx, alice))
	assert.Equal(t, domain.RoleUser, alice.Role)
	assert.False(t, alice.CreatedAt.IsZero())

	err := repo.Create(ctx, &domain.User{ID: "id-other", Username: "alice", PasswordHash: "h"})
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)

	require.NoError(t, repo.Create(ctx, &domain.User{ID: "id-bob", Username: "bob", PasswordHash: "h2", Role: domain.RoleAdmin}))

	got, err := repo.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "id-bob", got.ID)
	assert.Equal(t, domain.RoleAdmin, got.Role)

	got, err = repo.GetByID(ctx, "id-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)

	require.NoError(t, repo.UpdatePassword(ctx, "id-alice", "h3"))
	got, err = repo.GetByID(ctx, "id-alice")
	require.NoError(t, err)
	assert.Equal(t, "h3", got.PasswordHash)
	assert.ErrorIs(t, repo.UpdatePassword(ctx, "missing", "x"), repository.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, "id-alice"))
	assert.ErrorIs(t, repo.Delete(ctx, "id-alice"), repository.ErrNotFound)
}

func TestUserRepository_AddsRoleColumn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `
CREATE TABLE users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`)
	require.NoError(t, err)

	repo := NewUserRepository(db)
	require.NoError(t, repo.Init(ctx))

	columns, err := tableColumns(ctx, db, "users")
	require.NoError(t, err)
	assert.Contains(t, columns, "role")
}

func TestCandidateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCandidateRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	got, err := repo.GetCandidates(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.ErrorIs(t, repo.SelectCandidate(ctx, "abc", "B1"), repository.ErrNotFound)

	candidates := []domain.Candidate{
		{ID: "B09SVQLY96", Match: 85, Artist: "Maxime J. Durand", Album: "The Perfect Run 3", Length: "18 hrs, 14 min"},
		{ID: "B0000", Match: 40, Album: "Something Else"},
	}
	require.NoError(t, repo.SaveCandidates(ctx, "ABC", candidates))

	got, err = repo.GetCandidates(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, candidates, got)

	require.NoError(t, repo.SelectCandidate(ctx, "abc", "B09SVQLY96"))
	selected, err := repo.GetSelected(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "B09SVQLY96", selected)

	require.NoError(t, repo.SaveCandidates(ctx, "abc", candidates[:1]))
	got, err = repo.GetCandidates(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	selected, err = repo.GetSelected(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "B09SVQLY96", selected, "saving candidates keeps the selection")

	selected, err = repo.GetSelected(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, selected)
}
