// Package magnet turns indexer download links into something a torrent
// backend can ingest.
package magnet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
)

const scheme = "magnet:"

// ErrNotMagnet is returned by InfoHash for non-magnet input.
var ErrNotMagnet = errors.New("not a magnet URI")

// IsMagnet reports whether uri uses the magnet scheme.
func IsMagnet(uri string) bool {
	return len(uri) >= len(scheme) && strings.EqualFold(uri[:len(scheme)], scheme)
}

// InfoHash extracts the lower-case hex info hash from a magnet URI.
func InfoHash(uri string) (string, error) {
	if !IsMagnet(uri) {
		return "", ErrNotMagnet
	}
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", fmt.Errorf("parse magnet: %w", err)
	}
	return m.InfoHash.HexString(), nil
}

// Resolver follows a single indexer redirect to find the magnet link behind
// a download URL.
type Resolver struct {
	http *http.Client
	log  *logrus.Entry
}

// NewResolver builds a resolver whose probe gives up after timeout.
func NewResolver(timeout time.Duration, logger *logrus.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger.WithField("component", "magnet"),
	}
}

// Resolve returns the magnet link a URL redirects to. Magnet input is returned
// untouched without any network call. Every failure falls back to the
// original URL so the backend can still try it.
func (r *Resolver) Resolve(ctx context.Context, url string) string {
	if IsMagnet(url) {
		return url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.log.Errorf("build probe request: %v", err)
		return url
	}

	resp, err := r.http.Do(req)
	if err != nil {
		r.log.Errorf("probe %s: %v", url, err)
		return url
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound:
		if location := resp.Header.Get("Location"); location != "" {
			r.log.WithField("location", location).Debug("download url redirected")
			return location
		}
	}
	return url
}
