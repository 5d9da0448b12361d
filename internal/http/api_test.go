package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audioqueue/internal/backend"
	"audioqueue/internal/config"
	"audioqueue/internal/domain"
	"audioqueue/internal/indexer"
	"audioqueue/internal/repository"
	"audioqueue/internal/repository/sqlite"
	"audioqueue/internal/service"
)

var scheme = domain.DefaultLabelScheme()

type fakeBackend struct {
	torrents map[string]*domain.Torrent
	order    []string
	removed  map[string]bool
	stopErr  error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Labels: true, PauseResume: true, Retention: true}
}

func (b *fakeBackend) List(context.Context) ([]domain.Torrent, error) {
	out := make([]domain.Torrent, 0, len(b.order))
	for _, id := range b.order {
		if t, ok := b.torrents[id]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (b *fakeBackend) Get(_ context.Context, id string) (*domain.Torrent, error) {
	t, ok := b.torrents[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (b *fakeBackend) Add(_ context.Context, uri string, _ domain.LabelSet) (string, error) {
	id := "new"
	b.torrents[id] = &domain.Torrent{ID: id, Name: uri, Labels: scheme.NewSet()}
	b.order = append(b.order, id)
	return id, nil
}

func (b *fakeBackend) Remove(_ context.Context, id string, deleteData bool) error {
	if _, ok := b.torrents[id]; !ok {
		return backend.ErrNotFound
	}
	delete(b.torrents, id)
	b.removed[id] = deleteData
	return nil
}

func (b *fakeBackend) Stop(context.Context, string) error {
	return b.stopErr
}

func (b *fakeBackend) Start(context.Context, string) error {
	return nil
}

func (b *fakeBackend) SetLabels(_ context.Context, id string, labels domain.LabelSet) error {
	t, ok := b.torrents[id]
	if !ok {
		return backend.ErrNotFound
	}
	t.Labels = labels
	return nil
}

type fakeSearcher struct {
	results []json.RawMessage
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]json.RawMessage, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

type fakeJobs struct {
	runs int
	err  error
}

func (f *fakeJobs) RunNow(context.Context) error {
	f.runs++
	return f.err
}

type harness struct {
	router     *gin.Engine
	users      service.UserService
	candidates repository.CandidateRepository
	backend    *fakeBackend
	searcher   *fakeSearcher
	jobs       *fakeJobs
	clock      time.Time

	admin, alice, bob *domain.User
}

func newHarness(t *testing.T, mode string, withJobs bool) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "audioqueue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	userRepo := sqlite.NewUserRepository(db)
	require.NoError(t, userRepo.Init(ctx))
	candidates := sqlite.NewCandidateRepository(db)
	require.NoError(t, candidates.Init(ctx))
	users := service.NewUserService(userRepo)

	h := &harness{
		users:      users,
		candidates: candidates,
		searcher:   &fakeSearcher{},
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		backend: &fakeBackend{
			torrents: map[string]*domain.Torrent{},
			removed:  map[string]bool{},
		},
	}
	h.admin, err = users.EnsureAdmin(ctx, "", "admin", "admin-password")
	require.NoError(t, err)
	h.alice, err = users.Create(ctx, "alice", "alice-password")
	require.NoError(t, err)
	h.bob, err = users.Create(ctx, "bob", "bob-password")
	require.NoError(t, err)

	h.addTorrent(domain.Torrent{
		ID: "1", Hash: "AAA111", Name: "Alice Book", Status: domain.StatusSeeding,
		AddedAt: 100, TotalSize: 2048,
		Labels: scheme.NewSet().With(scheme.Queue).WithOwner(*h.alice),
		Files:  []domain.TorrentFile{{Path: "Alice Book/01.mp3", Size: 2048}},
	})
	h.addTorrent(domain.Torrent{
		ID: "2", Hash: "BBB222", Name: "Bob Book", Status: domain.StatusSeeding,
		AddedAt: 200,
		Labels:  scheme.NewSet().With(scheme.Queue).With(scheme.ImportError).WithOwner(*h.bob),
	})
	h.addTorrent(domain.Torrent{
		ID: "3", Hash: "CCC333", Name: "Linux ISO", Status: domain.StatusSeeding,
		Labels: scheme.NewSet(),
	})

	logger, _ := test.NewNullLogger()
	torrents := service.NewTorrentService(service.TorrentConfig{
		Backend:    h.backend,
		Users:      users,
		Candidates: candidates,
		Labels:     scheme,
		Logger:     logger,
	})

	cfg := HandlerConfig{
		Torrents:   torrents,
		Users:      users,
		Searcher:   h.searcher,
		Candidates: candidates,
		Title:      "Audiobook Search",
		Logger:     logger,
		Auth: AuthConfig{
			Mode:     mode,
			Secret:   []byte("test-secret"),
			TokenTTL: time.Hour,
			Now:      func() time.Time { return h.clock },
		},
	}
	if withJobs {
		h.jobs = &fakeJobs{}
		cfg.Jobs = h.jobs
	}

	h.router = gin.New()
	NewHandler(cfg).RegisterRoutes(h.router)
	return h
}

func (h *harness) addTorrent(t domain.Torrent) {
	h.backend.torrents[t.ID] = &t
	h.backend.order = append(h.backend.order, t.ID)
}

func (h *harness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T, username, password string) map[string]string {
	t.Helper()
	rec := h.do(http.MethodPost, "/api/login", gin.H{"username": username, "password": password}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return map[string]string{"Authorization": "Bearer " + resp.Token}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPublicRoutes(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)

	rec := h.do(http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = h.do(http.MethodGet, "/api/title", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"title":"Audiobook Search"}`, rec.Body.String())

	rec = h.do(http.MethodOptions, "/api/list", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLocalAuth(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)

	t.Run("wrong password", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/login", gin.H{"username": "alice", "password": "nope-nope"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing session", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/role", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		auth := h.login(t, "alice", "alice-password")
		rec := h.do(http.MethodGet, "/api/role", nil, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"role":"user","username":"alice"}`, rec.Body.String())
	})

	t.Run("session cookie", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/login", gin.H{"username": "admin", "password": "admin-password"}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var session *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == sessionCookie {
				session = c
			}
		}
		require.NotNil(t, session)
		assert.True(t, session.HttpOnly)

		rec = h.do(http.MethodGet, "/api/role", nil, map[string]string{"Cookie": sessionCookie + "=" + session.Value})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "admin", decode[map[string]string](t, rec)["role"])
	})

	t.Run("forged token", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/role", nil, map[string]string{"Authorization": "Bearer not.a.token"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("logout clears cookie", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/logout", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Empty(t, cookies[0].Value)
		assert.Less(t, cookies[0].MaxAge, 0)
	})
}

func TestLocalAuth_ExpiredToken(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	auth := h.login(t, "alice", "alice-password")

	h.clock = h.clock.Add(2 * time.Hour)
	rec := h.do(http.MethodGet, "/api/role", nil, auth)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLocalAuth_DeletedUserLosesAccess(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	auth := h.login(t, "bob", "bob-password")

	require.NoError(t, h.users.Delete(context.Background(), h.bob.ID))
	rec := h.do(http.MethodGet, "/api/list", nil, auth)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeaderAuth(t *testing.T) {
	h := newHarness(t, config.AuthHeader, false)

	rec := h.do(http.MethodGet, "/api/role", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	user := map[string]string{headerUsername: "carol", headerUID: "carol-uid"}
	rec = h.do(http.MethodGet, "/api/role", nil, user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"role":"user","username":"carol"}`, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/users", nil, user)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := map[string]string{headerUsername: "root", headerRole: "admin"}
	rec = h.do(http.MethodGet, "/api/users", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/login", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decode[map[string]string](t, rec)["role"])
}

func TestListTorrents(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)

	rec := h.do(http.MethodGet, "/api/list", nil, h.login(t, "alice", "alice-password"))
	require.Equal(t, http.StatusOK, rec.Code)

	own := decode[[]map[string]any](t, rec)
	require.Len(t, own, 1)
	assert.Equal(t, "1", own[0]["id"])
	assert.Equal(t, "AAA111", own[0]["hash_string"])
	assert.Equal(t, "2.048kB", own[0]["total_size_human"])
	assert.Equal(t, false, own[0]["use_import"])
	assert.NotContains(t, own[0], "added_by")
	assert.Equal(t, []any{map[string]any{"name": "Alice Book/01.mp3", "size": float64(2048)}}, own[0]["files"])

	rec = h.do(http.MethodGet, "/api/list", nil, h.login(t, "admin", "admin-password"))
	require.Equal(t, http.StatusOK, rec.Code)

	all := decode[[]TorrentResponse](t, rec)
	require.Len(t, all, 2, "torrents outside the queue stay hidden")
	assert.Equal(t, "2", all[0].ID, "newest first")
	assert.Equal(t, "bob", all[0].AddedBy)
	assert.True(t, all[0].ImportError)
	assert.Equal(t, "alice", all[1].AddedBy)
}

func TestAddTorrent(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	auth := h.login(t, "alice", "alice-password")

	rec := h.do(http.MethodPost, "/api/add", gin.H{"url": "magnet:?xt=urn:btih:abc"}, auth)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "new", resp["id"])
	assert.Equal(t, true, resp["labeled"])
	assert.NotContains(t, resp, "label_error")

	labels := h.backend.torrents["new"].Labels
	assert.True(t, labels.Queued)
	assert.True(t, labels.OwnedBy(h.alice.ID))

	rec = h.do(http.MethodPost, "/api/add", gin.H{}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/add", gin.H{"url": "   "}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), service.ErrInvalidURL.Error())
}

func TestTorrentCommands(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	alice := h.login(t, "alice", "alice-password")
	admin := h.login(t, "admin", "admin-password")

	t.Run("foreign torrent is forbidden", func(t *testing.T) {
		for _, tc := range []struct{ method, path string }{
			{http.MethodDelete, "/api/torrent/2"},
			{http.MethodPost, "/api/torrent/2/pause"},
			{http.MethodPost, "/api/torrent/2/play"},
		} {
			rec := h.do(tc.method, tc.path, nil, alice)
			assert.Equal(t, http.StatusForbidden, rec.Code, tc.path)
		}
		assert.Contains(t, h.backend.torrents, "2")
	})

	t.Run("pause and play own torrent", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/torrent/1/pause", nil, alice).Code)
		assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/torrent/1/play", nil, alice).Code)
	})

	t.Run("unsupported command", func(t *testing.T) {
		h.backend.stopErr = backend.ErrNotImplemented
		defer func() { h.backend.stopErr = nil }()
		rec := h.do(http.MethodPost, "/api/torrent/1/pause", nil, alice)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("invalid delete_data", func(t *testing.T) {
		rec := h.do(http.MethodDelete, "/api/torrent/1?delete_data=maybe", nil, alice)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete keeps data on request", func(t *testing.T) {
		rec := h.do(http.MethodDelete, "/api/torrent/1?delete_data=false", nil, alice)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]bool{"1": false}, h.backend.removed)
	})

	t.Run("admin deletes with data by default", func(t *testing.T) {
		rec := h.do(http.MethodDelete, "/api/torrent/2", nil, admin)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, h.backend.removed["2"])
	})

	t.Run("missing torrent", func(t *testing.T) {
		rec := h.do(http.MethodDelete, "/api/torrent/99", nil, admin)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSelectCandidate(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	ctx := context.Background()
	require.NoError(t, h.candidates.SaveCandidates(ctx, "BBB222", []domain.Candidate{
		{ID: "c1", Match: 80, Album: "Bob Book"},
		{ID: "c2", Match: 75, Album: "Bob Book (Unabridged)"},
	}))

	rec := h.do(http.MethodGet, "/api/list", nil, h.login(t, "bob", "bob-password"))
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]TorrentResponse](t, rec)
	require.Len(t, listed, 1)
	assert.Len(t, listed[0].Candidates, 2)

	alice := h.login(t, "alice", "alice-password")
	rec = h.do(http.MethodPost, "/api/select-candidate/BBB222/c1", nil, alice)
	assert.Equal(t, http.StatusNotFound, rec.Code, "alice cannot see bob's torrent")
	selected, err := h.candidates.GetSelected(ctx, "BBB222")
	require.NoError(t, err)
	assert.Empty(t, selected, "a hidden torrent's selection is left alone")

	rec = h.do(http.MethodPost, "/api/select-candidate/BBB222/c2", nil, h.login(t, "bob", "bob-password"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	selected, err = h.candidates.GetSelected(ctx, "BBB222")
	require.NoError(t, err)
	assert.Equal(t, "c2", selected)

	rec = h.do(http.MethodPost, "/api/select-candidate/BBB222/c1", nil, alice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	selected, err = h.candidates.GetSelected(ctx, "BBB222")
	require.NoError(t, err)
	assert.Equal(t, "c2", selected)
	assert.False(t, h.backend.torrents["2"].Labels.ImportFailed)
	assert.True(t, h.backend.torrents["2"].Labels.Queued)

	rec = h.do(http.MethodPost, "/api/select-candidate/FFF000/c1", nil, h.login(t, "admin", "admin-password"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	auth := h.login(t, "alice", "alice-password")

	rec := h.do(http.MethodGet, "/api/search", nil, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.searcher.results = []json.RawMessage{json.RawMessage(`{"Title":"Dune"}`)}
	rec = h.do(http.MethodGet, "/api/search?query=dune", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[{"Title":"Dune"}]}`, rec.Body.String())
	assert.Equal(t, []string{"dune"}, h.searcher.queries)

	h.searcher.results, h.searcher.err = nil, indexer.ErrNotConfigured
	rec = h.do(http.MethodGet, "/api/search?query=dune", nil, auth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAutoImport(t *testing.T) {
	disabled := newHarness(t, config.AuthLocal, false)
	rec := disabled.do(http.MethodPost, "/api/autoimport", nil, disabled.login(t, "admin", "admin-password"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h := newHarness(t, config.AuthLocal, true)
	rec = h.do(http.MethodPost, "/api/autoimport", nil, h.login(t, "alice", "alice-password"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, h.jobs.runs)

	admin := h.login(t, "admin", "admin-password")
	rec = h.do(http.MethodPost, "/api/autoimport", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.jobs.runs)

	h.jobs.err = errors.New("import: exit status 1")
	rec = h.do(http.MethodPost, "/api/autoimport", nil, admin)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = h.do(http.MethodGet, "/api/list", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[[]TorrentResponse](t, rec)[0].UseImport)
}

func TestUserManagement(t *testing.T) {
	h := newHarness(t, config.AuthLocal, false)
	admin := h.login(t, "admin", "admin-password")

	rec := h.do(http.MethodPut, "/api/users", gin.H{"username": "dave", "password": "dave-password"}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dave := decode[UserResponse](t, rec)
	assert.Equal(t, domain.RoleUser, dave.Role)

	rec = h.do(http.MethodPut, "/api/users", gin.H{"username": "dave", "password": "dave-password"}, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPut, "/api/users", gin.H{"username": "erin", "password": "short"}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/users", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]UserResponse](t, rec), 4)

	rec = h.do(http.MethodPost, "/api/change-password", gin.H{"id": dave.ID, "password": "new-dave-password"}, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	h.login(t, "dave", "new-dave-password")

	rec = h.do(http.MethodPost, "/api/change-password", gin.H{"id": "missing", "password": "whatever-long"}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodDelete, "/api/users/"+h.admin.ID, nil, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodDelete, "/api/users/"+dave.ID, nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodDelete, "/api/users/"+dave.ID, nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/api/users", nil, h.login(t, "alice", "alice-password"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
