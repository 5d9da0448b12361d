package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"audioqueue/internal/backend"
	"audioqueue/internal/domain"
	"audioqueue/internal/indexer"
	"audioqueue/internal/repository"
	"audioqueue/internal/service"
)

// CandidateSelector records which import match the user picked.
type CandidateSelector interface {
	SelectCandidate(ctx context.Context, hash, candidateID string) error
}

// JobRunner runs the background jobs on demand.
type JobRunner interface {
	RunNow(ctx context.Context) error
}

// HandlerConfig wires the handler to its services. Jobs may be nil when
// imports are disabled.
type HandlerConfig struct {
	Torrents   service.TorrentService
	Users      service.UserService
	Searcher   indexer.Searcher
	Candidates CandidateSelector
	Jobs       JobRunner
	Auth       AuthConfig
	Title      string
	Logger     *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	torrents   service.TorrentService
	users      service.UserService
	searcher   indexer.Searcher
	candidates CandidateSelector
	jobs       JobRunner
	auth       AuthConfig
	title      string
	log        *logrus.Entry
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Auth.Now == nil {
		cfg.Auth.Now = time.Now
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	return &Handler{
		torrents:   cfg.Torrents,
		users:      cfg.Users,
		searcher:   cfg.Searcher,
		candidates: cfg.Candidates,
		jobs:       cfg.Jobs,
		auth:       cfg.Auth,
		title:      cfg.Title,
		log:        cfg.Logger.WithField("component", "http"),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.auth.Now().UTC().Format(time.RFC3339)})
		})
		api.GET("/title", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"title": h.title})
		})
		api.POST("/login", h.login)
		api.POST("/logout", h.logout)

		authed := api.Group("", h.authMiddleware())
		authed.GET("/role", h.role)
		authed.GET("/search", h.search)
		authed.POST("/add", h.addTorrent)
		authed.GET("/list", h.listTorrents)
		authed.DELETE("/torrent/:id", h.deleteTorrent)
		authed.POST("/torrent/:id/pause", h.pauseTorrent)
		authed.POST("/torrent/:id/play", h.resumeTorrent)
		authed.POST("/select-candidate/:hash/:candidate", h.selectCandidate)

		admin := authed.Group("", requireAdmin())
		admin.POST("/autoimport", h.autoImport)
		admin.GET("/users", h.listUsers)
		admin.PUT("/users", h.createUser)
		admin.DELETE("/users/:id", h.deleteUser)
		admin.POST("/change-password", h.changePassword)
	}
}

type addTorrentRequest struct {
	URL string `json:"url" binding:"required"`
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps service and backend errors onto status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, backend.ErrNotImplemented):
		status = http.StatusNotImplemented
	case errors.Is(err, service.ErrInvalidURL), errors.Is(err, service.ErrInvalidUser):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUserAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, indexer.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	results, err := h.searcher.Search(c.Request.Context(), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) addTorrent(c *gin.Context) {
	var req addTorrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.torrents.Add(c.Request.Context(), currentUser(c), req.URL, "")
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{"status": "ok", "id": result.ID, "labeled": result.Labeled}
	if result.LabelErr != nil {
		resp["label_error"] = result.LabelErr.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) listTorrents(c *gin.Context) {
	torrents, err := h.torrents.List(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	useImport := h.jobs != nil && h.torrents.Capabilities().Labels
	resp := make([]TorrentResponse, len(torrents))
	for i := range torrents {
		resp[i] = torrentToResponse(torrents[i], useImport)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteTorrent(c *gin.Context) {
	deleteData := true
	if raw := c.Query("delete_data"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delete_data"})
			return
		}
		deleteData = parsed
	}

	id := c.Param("id")
	if err := h.torrents.Delete(c.Request.Context(), currentUser(c), id, deleteData); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id, "delete_data": deleteData})
}

func (h *Handler) pauseTorrent(c *gin.Context) {
	id := c.Param("id")
	if err := h.torrents.Pause(c.Request.Context(), currentUser(c), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

func (h *Handler) resumeTorrent(c *gin.Context) {
	id := c.Param("id")
	if err := h.torrents.Resume(c.Request.Context(), currentUser(c), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

func (h *Handler) selectCandidate(c *gin.Context) {
	hash, candidate := c.Param("hash"), c.Param("candidate")
	ctx := c.Request.Context()
	user := currentUser(c)

	visible, err := h.torrents.List(ctx, user)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !slices.ContainsFunc(visible, func(t domain.Torrent) bool { return strings.EqualFold(t.Hash, hash) }) {
		c.JSON(http.StatusNotFound, gin.H{"error": "torrent not found"})
		return
	}

	if err := h.candidates.SelectCandidate(ctx, hash, candidate); err != nil {
		h.writeError(c, err)
		return
	}
	label := h.torrents.Labels().ImportError
	if err := h.torrents.RemoveLabelByHash(ctx, user, hash, label); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"hash": hash, "candidate": candidate}).Info("import candidate selected")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "hash": hash, "candidate": candidate})
}

func (h *Handler) autoImport(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "import is disabled"})
		return
	}
	if err := h.jobs.RunNow(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TorrentResponse is the list view of a torrent.
type TorrentResponse struct {
	ID             string             `json:"id"`
	Hash           string             `json:"hash_string"`
	Name           string             `json:"name"`
	Status         domain.Status      `json:"status"`
	Labels         []string           `json:"labels"`
	TotalSize      int64              `json:"total_size"`
	TotalSizeHuman string             `json:"total_size_human"`
	PercentDone    float64            `json:"percent_done"`
	DownloadedEver int64              `json:"downloaded_ever"`
	UploadedEver   int64              `json:"uploaded_ever"`
	UploadRatio    float64            `json:"upload_ratio"`
	ETA            int64              `json:"eta"`
	AddedDate      int64              `json:"added_date"`
	Files          []FileResponse     `json:"files"`
	UseImport      bool               `json:"use_import"`
	Imported       bool               `json:"imported"`
	ImportError    bool               `json:"import_error"`
	Candidates     []domain.Candidate `json:"candidates"`
	AddedBy        string             `json:"added_by,omitempty"`
}

// FileResponse is one file of a torrent.
type FileResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func torrentToResponse(t domain.Torrent, useImport bool) TorrentResponse {
	files := make([]FileResponse, len(t.Files))
	for i, f := range t.Files {
		files[i] = FileResponse{Name: f.Path, Size: f.Size}
	}
	candidates := t.Candidates
	if candidates == nil {
		candidates = []domain.Candidate{}
	}

	return TorrentResponse{
		ID:             t.ID,
		Hash:           t.Hash,
		Name:           t.Name,
		Status:         t.Status,
		Labels:         t.Labels.Strings(),
		TotalSize:      t.TotalSize,
		TotalSizeHuman: units.HumanSize(float64(t.TotalSize)),
		PercentDone:    t.PercentDone,
		DownloadedEver: t.Downloaded,
		UploadedEver:   t.Uploaded,
		UploadRatio:    t.UploadRatio,
		ETA:            t.ETA,
		AddedDate:      t.AddedAt,
		Files:          files,
		UseImport:      useImport,
		Imported:       t.Imported(),
		ImportError:    t.ImportError(),
		Candidates:     candidates,
		AddedBy:        t.AddedBy,
	}
}
