// Package qbittorrent implements the backend contract over the qBittorrent
// Web API. Tags carry the label set; the torrent hash is the id.
package qbittorrent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/sirupsen/logrus"

	"audioqueue/internal/backend"
	"audioqueue/internal/domain"
	"audioqueue/internal/magnet"
)

const name = "qbittorrent"

// API is the subset of the qBittorrent SDK the adapter uses.
type API interface {
	LoginCtx(ctx context.Context) error
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	GetFilesInformationCtx(ctx context.Context, hash string) (*qbt.TorrentFiles, error)
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
	PauseCtx(ctx context.Context, hashes []string) error
	ResumeCtx(ctx context.Context, hashes []string) error
	AddTagsCtx(ctx context.Context, hashes []string, tags string) error
	RemoveTagsCtx(ctx context.Context, hashes []string, tags string) error
}

var _ API = (*qbt.Client)(nil)

// Config configures the qBittorrent adapter.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	Labels   domain.LabelScheme
	Logger   *logrus.Logger
}

// Client talks to one qBittorrent instance.
type Client struct {
	api    API
	labels domain.LabelScheme
	log    *logrus.Entry
}

// New builds an adapter backed by the SDK client. Login happens lazily on
// the first call.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	api := qbt.NewClient(qbt.Config{
		Host:     cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  int(cfg.Timeout.Seconds()),
	})
	return NewWithAPI(api, cfg.Labels, cfg.Logger)
}

// NewWithAPI builds an adapter over an existing API implementation.
func NewWithAPI(api API, labels domain.LabelScheme, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		api:    api,
		labels: labels,
		log:    logger.WithField("backend", name),
	}
}

func (c *Client) Name() string {
	return name
}

func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{Labels: true, PauseResume: true, Retention: true, LabelsOnAdd: true}
}

// withLogin runs fn, logging in and retrying once when the session is
// missing or expired.
func (c *Client) withLogin(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !isAuthError(err) {
		c.log.WithField("op", op).Errorf("request failed: %v", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := c.api.LoginCtx(ctx); err != nil {
		c.log.WithField("op", op).Errorf("login failed: %v", err)
		return fmt.Errorf("login: %w", err)
	}
	if err := fn(); err != nil {
		c.log.WithField("op", op).Errorf("request failed: %v", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "403") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized")
}

func (c *Client) List(ctx context.Context) ([]domain.Torrent, error) {
	var torrents []qbt.Torrent
	err := c.withLogin(ctx, "get torrents", func() error {
		var err error
		torrents, err = c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Torrent, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, c.toDomain(t))
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Torrent, error) {
	hash := strings.ToLower(id)

	var torrents []qbt.Torrent
	err := c.withLogin(ctx, "get torrent", func() error {
		var err error
		torrents, err = c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}

	t := c.toDomain(torrents[0])

	var files *qbt.TorrentFiles
	err = c.withLogin(ctx, "get files", func() error {
		var err error
		files, err = c.api.GetFilesInformationCtx(ctx, hash)
		return err
	})
	if err != nil {
		c.log.WithField("torrent_id", id).Warnf("files unavailable: %v", err)
	} else if files != nil {
		for _, f := range *files {
			t.Files = append(t.Files, domain.TorrentFile{Path: f.Name, Size: f.Size})
		}
	}
	return &t, nil
}

// Add submits the URL with its labels as tags. qBittorrent adds torrents
// asynchronously, so tagging afterwards can miss a torrent that is not
// listed yet. The id is the magnet's info hash; plain URLs yield an empty id.
func (c *Client) Add(ctx context.Context, uri string, labels domain.LabelSet) (string, error) {
	options := map[string]string{}
	tags := labels.Strings()
	if len(tags) == 0 && c.labels.Queue != "" {
		tags = []string{c.labels.Queue}
	}
	if len(tags) > 0 {
		options["tags"] = strings.Join(tags, ",")
	}
	if err := c.withLogin(ctx, "add torrent", func() error {
		return c.api.AddTorrentFromUrlCtx(ctx, uri, options)
	}); err != nil {
		return "", err
	}

	hash, err := magnet.InfoHash(uri)
	if err != nil {
		c.log.Debugf("added torrent has no known hash: %v", err)
		return "", nil
	}
	return hash, nil
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	return c.withLogin(ctx, "delete torrent", func() error {
		return c.api.DeleteTorrentsCtx(ctx, []string{strings.ToLower(id)}, deleteData)
	})
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.withLogin(ctx, "pause torrent", func() error {
		return c.api.PauseCtx(ctx, []string{strings.ToLower(id)})
	})
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.withLogin(ctx, "resume torrent", func() error {
		return c.api.ResumeCtx(ctx, []string{strings.ToLower(id)})
	})
}

// SetLabels diffs the desired set against the current tags since the API
// only adds and removes tags.
func (c *Client) SetLabels(ctx context.Context, id string, labels domain.LabelSet) error {
	current, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	have := current.Labels.Strings()
	want := labels.Strings()

	var add, remove []string
	for _, l := range want {
		if !slices.Contains(have, l) {
			add = append(add, l)
		}
	}
	for _, l := range have {
		if !slices.Contains(want, l) {
			remove = append(remove, l)
		}
	}

	hashes := []string{strings.ToLower(id)}
	if len(remove) > 0 {
		if err := c.withLogin(ctx, "remove tags", func() error {
			return c.api.RemoveTagsCtx(ctx, hashes, strings.Join(remove, ","))
		}); err != nil {
			return err
		}
	}
	if len(add) > 0 {
		if err := c.withLogin(ctx, "add tags", func() error {
			return c.api.AddTagsCtx(ctx, hashes, strings.Join(add, ","))
		}); err != nil {
			return err
		}
	}
	return nil
}

var states = map[string]domain.Status{
	"pausedDL":           domain.StatusStopped,
	"pausedUP":           domain.StatusStopped,
	"stoppedDL":          domain.StatusStopped,
	"stoppedUP":          domain.StatusStopped,
	"error":              domain.StatusStopped,
	"missingFiles":       domain.StatusStopped,
	"checkingResumeData": domain.StatusQueuedToCheck,
	"moving":             domain.StatusQueuedToCheck,
	"checkingDL":         domain.StatusChecking,
	"checkingUP":         domain.StatusChecking,
	"queuedDL":           domain.StatusQueuedToDownload,
	"allocating":         domain.StatusQueuedToDownload,
	"metaDL":             domain.StatusDownloading,
	"downloading":        domain.StatusDownloading,
	"stalledDL":          domain.StatusDownloading,
	"forcedDL":           domain.StatusDownloading,
	"queuedUP":           domain.StatusQueuedToSeed,
	"uploading":          domain.StatusSeeding,
	"stalledUP":          domain.StatusSeeding,
	"forcedUP":           domain.StatusSeeding,
}

func (c *Client) toDomain(t qbt.Torrent) domain.Torrent {
	status, ok := states[string(t.State)]
	if !ok {
		status = domain.StatusUnknown
	}

	eta := t.ETA
	// qBittorrent reports 8640000 for "infinity".
	if eta >= 8640000 || eta < 0 {
		eta = -1
	}

	return domain.Torrent{
		ID:          strings.ToLower(t.Hash),
		Hash:        strings.ToLower(t.Hash),
		Name:        domain.NormalizeName(t.Name),
		Status:      status,
		Labels:      c.labels.Parse(splitTags(t.Tags)),
		TotalSize:   t.Size,
		Downloaded:  t.Downloaded,
		Uploaded:    t.Uploaded,
		PercentDone: t.Progress * 100,
		UploadRatio: backend.RoundRatio(t.Ratio),
		ETA:         eta,
		AddedAt:     t.AddedOn,
		Files:       []domain.TorrentFile{},
	}
}

func splitTags(tags string) []string {
	var out []string
	for _, tag := range strings.Split(tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

var _ backend.Backend = (*Client)(nil)
