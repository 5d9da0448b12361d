// Package backend defines the contract every download-backend adapter
// implements and the errors they share.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"

	"audioqueue/internal/domain"
)

var (
	// ErrNotFound is returned when the backend has no torrent with the given id.
	ErrNotFound = errors.New("torrent not found")
	// ErrNotImplemented is returned when the backend lacks the capability.
	ErrNotImplemented = errors.New("not implemented by backend")
	// ErrNoSession is returned when a session-token backend hands out no token.
	ErrNoSession = errors.New("backend returned no session token")
)

// HTTPError is an unexpected response status from a backend API.
type HTTPError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// Capabilities describes which optional operations a backend supports.
type Capabilities struct {
	// Labels is true when the backend stores a per-torrent label set, which
	// is what per-user ownership is built on.
	Labels bool
	// PauseResume is true when torrents can be stopped and started.
	PauseResume bool
	// Retention is true when this application owns cleanup of finished
	// torrents. Backends that clean up on their own report false.
	Retention bool
	// LabelsOnAdd is true when Add applies the initial label set together
	// with the submission, so no follow-up label write is needed.
	LabelsOnAdd bool
}

// Backend translates generic torrent operations into one download backend's
// API. Implementations must be safe for concurrent use and hold no torrent
// state between calls.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	List(ctx context.Context) ([]domain.Torrent, error)
	Get(ctx context.Context, id string) (*domain.Torrent, error)
	// Add submits a magnet or URL. Backends reporting LabelsOnAdd tag the
	// torrent with labels; others ignore them. The returned id is empty when
	// the backend does not report the created torrent.
	Add(ctx context.Context, uri string, labels domain.LabelSet) (string, error)
	Remove(ctx context.Context, id string, deleteData bool) error
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	// SetLabels replaces the torrent's whole label set.
	SetLabels(ctx context.Context, id string, labels domain.LabelSet) error
}

// RoundRatio rounds an upload ratio to two decimals. Negative ratios
// (backend "not available" sentinels) become zero.
func RoundRatio(ratio float64) float64 {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	return math.Round(ratio*100) / 100
}
