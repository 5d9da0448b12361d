// Package transmission implements the backend contract over the Transmission
// RPC API, which requires a rotating session token on every call.
package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"audioqueue/internal/backend"
	"audioqueue/internal/domain"
)

const (
	name          = "transmission"
	sessionHeader = "X-Transmission-Session-Id"
)

var torrentFields = []string{
	"id", "name", "status", "labels", "totalSize", "percentDone",
	"downloadedEver", "uploadedEver", "addedDate", "uploadRatio",
	"files", "eta", "hashString",
}

var statuses = map[int]domain.Status{
	0: domain.StatusStopped,
	1: domain.StatusQueuedToCheck,
	2: domain.StatusChecking,
	3: domain.StatusQueuedToDownload,
	4: domain.StatusDownloading,
	5: domain.StatusQueuedToSeed,
	6: domain.StatusSeeding,
}

// Config configures the Transmission adapter.
type Config struct {
	URL        string
	Username   string
	Password   string
	Timeout    time.Duration
	Labels     domain.LabelScheme
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to one Transmission daemon.
type Client struct {
	url      string
	username string
	password string
	labels   domain.LabelScheme
	http     *http.Client
	log      *logrus.Entry
}

// New builds a Transmission adapter. It does not contact the daemon.
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
	return &Client{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		labels:   cfg.Labels,
		http:     cfg.HTTPClient,
		log:      cfg.Logger.WithField("backend", name),
	}
}

func (c *Client) Name() string {
	return name
}

func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{Labels: true, PauseResume: true, Retention: true}
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type rpcFile struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

type rpcTorrent struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Status         int       `json:"status"`
	Labels         []string  `json:"labels"`
	TotalSize      int64     `json:"totalSize"`
	PercentDone    float64   `json:"percentDone"`
	DownloadedEver int64     `json:"downloadedEver"`
	UploadedEver   int64     `json:"uploadedEver"`
	AddedDate      int64     `json:"addedDate"`
	UploadRatio    float64   `json:"uploadRatio"`
	ETA            int64     `json:"eta"`
	HashString     string    `json:"hashString"`
	Files          []rpcFile `json:"files"`
}

type addedTorrent struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HashString string `json:"hashString"`
}

// sessionID fetches a fresh session token. The daemon answers the probe with
// 409 and the token in a header.
func (c *Client) sessionID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Errorf("get session id: %v", err)
		return "", fmt.Errorf("get session id: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	id := resp.Header.Get(sessionHeader)
	if id == "" {
		c.log.WithField("status", resp.StatusCode).Error("no session id in response")
		return "", backend.ErrNoSession
	}
	return id, nil
}

// call performs one RPC. out, when non-nil, receives the decoded arguments.
func (c *Client) call(ctx context.Context, method string, args any, out any) error {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set(sessionHeader, sid)
	req.Header.Set("Content-Type", "application/json")

	c.log.WithField("method", method).Debug("transmission request")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithField("method", method).Errorf("request failed: %v", err)
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.WithField("method", method).Errorf("read response: %v", err)
		return fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &backend.HTTPError{Backend: name, StatusCode: resp.StatusCode, Body: string(raw)}
		c.log.WithField("method", method).Error(httpErr.Error())
		return httpErr
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.log.WithField("method", method).Errorf("decode response: %v", err)
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Result != "success" {
		c.log.WithField("method", method).Errorf("rpc result: %s", decoded.Result)
		return fmt.Errorf("%s: %s", method, decoded.Result)
	}

	if out != nil && len(decoded.Arguments) > 0 {
		if err := json.Unmarshal(decoded.Arguments, out); err != nil {
			c.log.WithField("method", method).Errorf("decode arguments: %v", err)
			return fmt.Errorf("decode %s arguments: %w", method, err)
		}
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]domain.Torrent, error) {
	var out struct {
		Torrents []rpcTorrent `json:"torrents"`
	}
	if err := c.call(ctx, "torrent-get", map[string]any{"fields": torrentFields}, &out); err != nil {
		return nil, err
	}

	torrents := make([]domain.Torrent, 0, len(out.Torrents))
	for _, t := range out.Torrents {
		torrents = append(torrents, c.toDomain(t))
	}
	return torrents, nil
}

func (c *Client) Get(ctx context.Context, id string) (*domain.Torrent, error) {
	nativeID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var out struct {
		Torrents []rpcTorrent `json:"torrents"`
	}
	args := map[string]any{
		"fields": torrentFields,
		"ids":    []int64{nativeID},
	}
	if err := c.call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	if len(out.Torrents) == 0 {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, id)
	}

	t := c.toDomain(out.Torrents[0])
	return &t, nil
}

func (c *Client) Add(ctx context.Context, uri string, _ domain.LabelSet) (string, error) {
	var out struct {
		Added     *addedTorrent `json:"torrent-added"`
		Duplicate *addedTorrent `json:"torrent-duplicate"`
	}
	if err := c.call(ctx, "torrent-add", map[string]any{"filename": uri}, &out); err != nil {
		return "", err
	}

	switch {
	case out.Added != nil:
		return strconv.FormatInt(out.Added.ID, 10), nil
	case out.Duplicate != nil:
		c.log.WithField("torrent_id", out.Duplicate.ID).Info("torrent already present")
		return strconv.FormatInt(out.Duplicate.ID, 10), nil
	}
	c.log.Warn("torrent-add response did not include the new torrent")
	return "", nil
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	nativeID, err := parseID(id)
	if err != nil {
		return err
	}
	args := map[string]any{
		"ids":               []int64{nativeID},
		"delete-local-data": deleteData,
	}
	return c.call(ctx, "torrent-remove", args, nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.idCall(ctx, "torrent-stop", id)
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.idCall(ctx, "torrent-start", id)
}

func (c *Client) SetLabels(ctx context.Context, id string, labels domain.LabelSet) error {
	nativeID, err := parseID(id)
	if err != nil {
		return err
	}
	args := map[string]any{
		"ids":    []int64{nativeID},
		"labels": labels.Strings(),
	}
	return c.call(ctx, "torrent-set", args, nil)
}

func (c *Client) idCall(ctx context.Context, method, id string) error {
	nativeID, err := parseID(id)
	if err != nil {
		return err
	}
	return c.call(ctx, method, map[string]any{"ids": []int64{nativeID}}, nil)
}

func (c *Client) toDomain(t rpcTorrent) domain.Torrent {
	status, ok := statuses[t.Status]
	if !ok {
		status = domain.StatusUnknown
	}

	files := make([]domain.TorrentFile, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, domain.TorrentFile{Path: f.Name, Size: f.Length})
	}

	return domain.Torrent{
		ID:          strconv.FormatInt(t.ID, 10),
		Hash:        t.HashString,
		Name:        domain.NormalizeName(t.Name),
		Status:      status,
		Labels:      c.labels.Parse(t.Labels),
		TotalSize:   t.TotalSize,
		Downloaded:  t.DownloadedEver,
		Uploaded:    t.UploadedEver,
		PercentDone: t.PercentDone * 100,
		UploadRatio: backend.RoundRatio(t.UploadRatio),
		ETA:         t.ETA,
		AddedAt:     t.AddedDate,
		Files:       files,
	}
}

// parseID converts the opaque id into Transmission's numeric id. Ids that
// cannot be numeric cannot exist on this backend.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid transmission id %q", backend.ErrNotFound, id)
	}
	return n, nil
}

var _ backend.Backend = (*Client)(nil)
