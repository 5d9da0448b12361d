// Package indexer searches a Jackett-compatible torrent indexer.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned when no indexer URL is set.
var ErrNotConfigured = errors.New("indexer is not configured")

// Searcher finds releases for a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]json.RawMessage, error)
}

// Config configures the Jackett client.
type Config struct {
	URL      string
	APIKey   string
	Category string
	Timeout  time.Duration
	Logger   *logrus.Logger
}

type jackett struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry
}

func NewJackett(cfg Config) Searcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Category == "" {
		cfg.Category = "audiobooks"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &jackett{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  cfg.Logger.WithField("component", "indexer"),
	}
}

// Search returns the indexer's result objects untouched so clients see every
// field Jackett reports.
func (j *jackett) Search(ctx context.Context, query string) ([]json.RawMessage, error) {
	if j.cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []json.RawMessage{}, nil
	}

	u, err := url.Parse(j.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse indexer url: %w", err)
	}
	params := u.Query()
	params.Set("apikey", j.cfg.APIKey)
	params.Set("Query", query)
	params.Set("Category", j.cfg.Category)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	j.log.WithField("query", query).Info("searching indexer")
	resp, err := j.http.Do(req)
	if err != nil {
		j.log.Errorf("search request: %v", err)
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		j.log.WithField("status", resp.StatusCode).Errorf("indexer error: %s", body)
		return nil, fmt.Errorf("indexer returned status %d", resp.StatusCode)
	}

	var out struct {
		Results []json.RawMessage `json:"Results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		j.log.Errorf("decode search results: %v", err)
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	if out.Results == nil {
		out.Results = []json.RawMessage{}
	}
	j.log.WithField("query", query).Infof("found %d results", len(out.Results))
	return out.Results, nil
}
