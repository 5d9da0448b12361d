// Package decypharr implements the backend contract over the Decypharr REST
// API. Decypharr is single-tenant: a torrent carries one category and no
// other labels, and debrid services clean up finished torrents on their own.
package decypharr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"audioqueue/internal/backend"
	"audioqueue/internal/domain"
)

const name = "decypharr"

var statuses = map[string]domain.Status{
	"downloading": domain.StatusDownloading,
	"seeding":     domain.StatusSeeding,
	"completed":   domain.StatusSeeding,
	"paused":      domain.StatusStopped,
	"queued":      domain.StatusQueuedToDownload,
}

// Config configures the Decypharr adapter.
type Config struct {
	URL            string
	APIKey         string
	DownloadFolder string
	Timeout        time.Duration
	Labels         domain.LabelScheme
	HTTPClient     *http.Client
	Logger         *logrus.Logger
}

// Client talks to one Decypharr instance.
type Client struct {
	url            string
	apiKey         string
	downloadFolder string
	labels         domain.LabelScheme
	http           *http.Client
	log            *logrus.Entry
}

// New builds a Decypharr adapter. It does not contact the server.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.DownloadFolder == "" {
		cfg.DownloadFolder = "/mnt"
	}
	return &Client{
		url:            strings.TrimRight(cfg.URL, "/"),
		apiKey:         cfg.APIKey,
		downloadFolder: cfg.DownloadFolder,
		labels:         cfg.Labels,
		http:           cfg.HTTPClient,
		log:            cfg.Logger.WithField("backend", name),
	}
}

func (c *Client) Name() string {
	return name
}

func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{}
}

type apiTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	AddedOn  string  `json:"addedOn"`
	Category string  `json:"category"`
}

type addResponse struct {
	Results []json.RawMessage `json:"results"`
	Errors  []string          `json:"errors"`
	Success bool              `json:"success"`
}

// do issues one request. A 404 means the endpoint does not exist on this
// Decypharr version and is reported as backend.ErrNotImplemented.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	log := c.log.WithFields(logrus.Fields{"method": method, "endpoint": endpoint})
	log.Debug("decypharr request")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Errorf("request failed: %v", err)
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("read response: %v", err)
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		log.Warn("endpoint not available on this decypharr")
		return fmt.Errorf("%s %s: %w", method, endpoint, backend.ErrNotImplemented)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &backend.HTTPError{Backend: name, StatusCode: resp.StatusCode, Body: string(raw)}
		log.Error(httpErr.Error())
		return httpErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Errorf("decode response: %v", err)
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]domain.Torrent, error) {
	var out []apiTorrent
	if err := c.do(ctx, http.MethodGet, "/api/torrents", nil, "", &out); err != nil {
		return nil, err
	}

	torrents := make([]domain.Torrent, 0, len(out))
	for _, t := range out {
		torrents = append(torrents, c.toDomain(t))
	}
	return torrents, nil
}

// Get finds the torrent by hash in the full listing; Decypharr has no
// single-torrent endpoint.
func (c *Client) Get(ctx context.Context, id string) (*domain.Torrent, error) {
	torrents, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range torrents {
		if strings.EqualFold(torrents[i].ID, id) {
			return &torrents[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
}

// Add submits the URL through the arr-style add form. Decypharr does not
// report the created torrent, so the id is always empty.
func (c *Client) Add(ctx context.Context, uri string, _ domain.LabelSet) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"urls", uri},
		{"arr", c.labels.Queue},
		{"downloadFolder", c.downloadFolder},
		{"action", "none"},
		{"downloadUncached", "true"},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	var out addResponse
	if err := c.do(ctx, http.MethodPost, "/api/add", &buf, form.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if len(out.Results) == 0 && !out.Success {
		c.log.WithField("errors", out.Errors).Error("decypharr rejected the torrent")
		return "", fmt.Errorf("add torrent: rejected: %s", strings.Join(out.Errors, "; "))
	}
	c.log.Info("torrent submitted")
	return "", nil
}

// Remove tries the single-torrent endpoint first and falls back to the batch
// endpoint, which older Decypharr versions are limited to.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	removeFromDebrid := strconv.FormatBool(deleteData)

	single := fmt.Sprintf("/api/torrents/%s/%s?%s",
		url.PathEscape(c.labels.Queue), url.PathEscape(id),
		url.Values{"removeFromDebrid": {removeFromDebrid}}.Encode())
	err := c.do(ctx, http.MethodDelete, single, nil, "", nil)
	if err == nil {
		return nil
	}
	c.log.WithField("torrent_id", id).Warnf("single delete failed, trying batch delete: %v", err)

	batch := "/api/torrents?" + url.Values{
		"hashes":           {id},
		"removeFromDebrid": {removeFromDebrid},
	}.Encode()
	if err := c.do(ctx, http.MethodDelete, batch, nil, "", nil); err != nil {
		return fmt.Errorf("delete torrent %s: %w", id, err)
	}
	return nil
}

func (c *Client) Stop(_ context.Context, id string) error {
	return c.unsupported("pause", id)
}

func (c *Client) Start(_ context.Context, id string) error {
	return c.unsupported("resume", id)
}

func (c *Client) SetLabels(_ context.Context, id string, _ domain.LabelSet) error {
	return c.unsupported("set labels", id)
}

func (c *Client) unsupported(op, id string) error {
	c.log.WithField("torrent_id", id).Warnf("%s is not supported by decypharr", op)
	return fmt.Errorf("%s: %w", op, backend.ErrNotImplemented)
}

func (c *Client) toDomain(t apiTorrent) domain.Torrent {
	status, ok := statuses[strings.ToLower(t.Status)]
	if !ok {
		status = domain.StatusUnknown
	}

	var raw []string
	if t.Category != "" {
		raw = []string{t.Category}
	}

	return domain.Torrent{
		ID:          t.Hash,
		Hash:        strings.ToLower(t.Hash),
		Name:        domain.NormalizeName(t.Name),
		Status:      status,
		Labels:      c.labels.Parse(raw),
		TotalSize:   t.Size,
		PercentDone: t.Progress * 100,
		ETA:         -1,
		AddedAt:     parseAddedOn(t.AddedOn),
		Files:       []domain.TorrentFile{},
	}
}

// parseAddedOn reads an ISO-8601 timestamp; unparseable values become 0.
func parseAddedOn(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix()
		}
	}
	return 0
}

var _ backend.Backend = (*Client)(nil)
