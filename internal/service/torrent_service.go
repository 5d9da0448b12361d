package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"audioqueue/internal/backend"
	"audioqueue/internal/domain"
)

var (
	// ErrAccessDenied is returned when a non-admin user acts on a torrent
	// outside their visible set.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidURL is returned when Add receives an empty URL.
	ErrInvalidURL = errors.New("torrent url is required")
	// ErrNoTorrentID is reported in AddResult when the backend accepted a
	// torrent without saying which one it created.
	ErrNoTorrentID = errors.New("backend did not report the added torrent")
)

// UserDirectory lists known users for resolving torrent owners.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// CandidateStore returns the import candidates recorded for a torrent hash.
type CandidateStore interface {
	GetCandidates(ctx context.Context, hash string) ([]domain.Candidate, error)
}

// MagnetResolver maps a download URL to the link handed to the backend.
type MagnetResolver interface {
	Resolve(ctx context.Context, url string) string
}

// RetentionPolicy holds the sweep thresholds in days.
type RetentionPolicy struct {
	DeleteAfterDays         int
	StrictlyDeleteAfterDays int
}

// DefaultRetentionPolicy returns the stock thresholds.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{DeleteAfterDays: 14, StrictlyDeleteAfterDays: 30}
}

// AddResult describes the outcome of an add. The torrent exists on the
// backend whenever Add returns a nil error; LabelErr reports a failed
// ownership step.
type AddResult struct {
	ID       string
	Labeled  bool
	LabelErr error
}

// SweepReport summarises one retention pass.
type SweepReport struct {
	Skipped         bool
	Checked         int
	Deleted         int
	DeletedWithData int
	Failed          int
	FreedBytes      int64
}

// TorrentService is the single entry point for torrent operations. It hides
// which backend is configured and enforces per-user visibility.
type TorrentService interface {
	Backend() string
	Capabilities() backend.Capabilities
	Labels() domain.LabelScheme
	List(ctx context.Context, user domain.User) ([]domain.Torrent, error)
	GetByID(ctx context.Context, id string) (*domain.Torrent, error)
	Add(ctx context.Context, user domain.User, url, label string) (AddResult, error)
	Delete(ctx context.Context, user domain.User, id string, deleteData bool) error
	Pause(ctx context.Context, user domain.User, id string) error
	Resume(ctx context.Context, user domain.User, id string) error
	// AddLabel and RemoveLabel read the labels, change them and write the
	// whole set back. Two concurrent changes to one torrent can lose one.
	AddLabel(ctx context.Context, user domain.User, id, label string) error
	RemoveLabel(ctx context.Context, user domain.User, id, label string) error
	RemoveLabelByHash(ctx context.Context, user domain.User, hash, label string) error
	CheckAccess(ctx context.Context, user domain.User, id string) error
	Sweep(ctx context.Context) (SweepReport, error)
}

// TorrentConfig wires the torrent service.
type TorrentConfig struct {
	Backend    backend.Backend
	Resolver   MagnetResolver
	Users      UserDirectory
	Candidates CandidateStore
	Labels     domain.LabelScheme
	Retention  RetentionPolicy
	Now        func() time.Time
	Logger     *logrus.Logger
}

type torrentService struct {
	backend    backend.Backend
	resolver   MagnetResolver
	users      UserDirectory
	candidates CandidateStore
	labels     domain.LabelScheme
	retention  RetentionPolicy
	now        func() time.Time
	log        *logrus.Entry
}

func NewTorrentService(cfg TorrentConfig) TorrentService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retention == (RetentionPolicy{}) {
		cfg.Retention = DefaultRetentionPolicy()
	}
	return &torrentService{
		backend:    cfg.Backend,
		resolver:   cfg.Resolver,
		users:      cfg.Users,
		candidates: cfg.Candidates,
		labels:     cfg.Labels,
		retention:  cfg.Retention,
		now:        cfg.Now,
		log:        cfg.Logger.WithField("backend", cfg.Backend.Name()),
	}
}

func (s *torrentService) Backend() string {
	return s.backend.Name()
}

func (s *torrentService) Capabilities() backend.Capabilities {
	return s.backend.Capabilities()
}

func (s *torrentService) Labels() domain.LabelScheme {
	return s.labels
}

func (s *torrentService) List(ctx context.Context, user domain.User) ([]domain.Torrent, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}

	// Single-tenant backends cannot store owners, so only the queue
	// filter applies there.
	ownerFilter := s.backend.Capabilities().Labels && !user.IsAdmin()

	var directory []domain.User
	directoryLoaded := false

	visible := make([]domain.Torrent, 0, len(all))
	for _, t := range all {
		if !t.Labels.Queued {
			continue
		}
		if ownerFilter && !t.Labels.OwnedBy(user.ID) {
			continue
		}

		if user.IsAdmin() {
			if t.Labels.UsernameHint == "" && !directoryLoaded {
				directory = s.loadUsers(ctx)
				directoryLoaded = true
			}
			t.AddedBy = addedBy(t.Labels, directory)
		}
		if t.ImportError() {
			t.Candidates = s.loadCandidates(ctx, t.Hash)
		}
		visible = append(visible, t)
	}

	slices.SortStableFunc(visible, func(a, b domain.Torrent) int {
		aActive, bActive := a.Status != domain.StatusStopped, b.Status != domain.StatusStopped
		if aActive != bActive {
			if aActive {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.AddedAt, a.AddedAt)
	})
	return visible, nil
}

func (s *torrentService) loadUsers(ctx context.Context) []domain.User {
	if s.users == nil {
		return nil
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		s.log.Warnf("list users for owner resolution: %v", err)
		return nil
	}
	return users
}

func (s *torrentService) loadCandidates(ctx context.Context, hash string) []domain.Candidate {
	if s.candidates == nil || hash == "" {
		return nil
	}
	candidates, err := s.candidates.GetCandidates(ctx, hash)
	if err != nil {
		s.log.WithField("hash", hash).Warnf("load import candidates: %v", err)
		return nil
	}
	return candidates
}

// addedBy prefers the username hint, then the first known user whose id is
// among the labels.
func addedBy(labels domain.LabelSet, users []domain.User) string {
	if labels.UsernameHint != "" {
		return labels.UsernameHint
	}
	for _, u := range users {
		if labels.OwnedBy(u.ID) {
			return u.Username
		}
	}
	return ""
}

func (s *torrentService) GetByID(ctx context.Context, id string) (*domain.Torrent, error) {
	t, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get torrent %s: %w", id, err)
	}
	return t, nil
}

func (s *torrentService) Add(ctx context.Context, user domain.User, url, label string) (AddResult, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return AddResult{}, ErrInvalidURL
	}
	if label == "" {
		label = s.labels.Queue
	}

	if s.resolver != nil {
		url = s.resolver.Resolve(ctx, url)
	}

	log := s.log.WithField("user_id", user.ID)
	initial := s.labels.NewSet().With(label).WithOwner(user)
	id, err := s.backend.Add(ctx, url, initial)
	if err != nil {
		log.Errorf("add torrent: %v", err)
		return AddResult{}, fmt.Errorf("add torrent: %w", err)
	}
	result := AddResult{ID: id}
	log = log.WithField("torrent_id", id)
	log.Info("torrent added")

	caps := s.backend.Capabilities()
	if !caps.Labels {
		return result, nil
	}
	if caps.LabelsOnAdd {
		result.Labeled = true
		return result, nil
	}
	if id == "" {
		result.LabelErr = ErrNoTorrentID
		log.Warn("added torrent cannot be labeled: no id reported")
		return result, nil
	}

	if err := s.updateLabels(ctx, id, func(l domain.LabelSet) domain.LabelSet {
		return l.With(label).WithOwner(user)
	}); err != nil {
		result.LabelErr = err
		log.Errorf("label added torrent: %v", err)
		return result, nil
	}
	result.Labeled = true
	return result, nil
}

func (s *torrentService) Delete(ctx context.Context, user domain.User, id string, deleteData bool) error {
	if err := s.CheckAccess(ctx, user, id); err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, id, deleteData); err != nil {
		return fmt.Errorf("delete torrent %s: %w", id, err)
	}
	s.log.WithFields(logrus.Fields{"torrent_id": id, "delete_data": deleteData}).Info("torrent deleted")
	return nil
}

func (s *torrentService) Pause(ctx context.Context, user domain.User, id string) error {
	if err := s.CheckAccess(ctx, user, id); err != nil {
		return err
	}
	if err := s.backend.Stop(ctx, id); err != nil {
		return fmt.Errorf("pause torrent %s: %w", id, err)
	}
	s.log.WithField("torrent_id", id).Info("torrent paused")
	return nil
}

func (s *torrentService) Resume(ctx context.Context, user domain.User, id string) error {
	if err := s.CheckAccess(ctx, user, id); err != nil {
		return err
	}
	if err := s.backend.Start(ctx, id); err != nil {
		return fmt.Errorf("resume torrent %s: %w", id, err)
	}
	s.log.WithField("torrent_id", id).Info("torrent resumed")
	return nil
}

func (s *torrentService) AddLabel(ctx context.Context, user domain.User, id, label string) error {
	if err := s.CheckAccess(ctx, user, id); err != nil {
		return err
	}
	return s.updateLabels(ctx, id, func(l domain.LabelSet) domain.LabelSet {
		return l.With(label)
	})
}

func (s *torrentService) RemoveLabel(ctx context.Context, user domain.User, id, label string) error {
	if err := s.CheckAccess(ctx, user, id); err != nil {
		return err
	}
	return s.updateLabels(ctx, id, func(l domain.LabelSet) domain.LabelSet {
		return l.Without(label)
	})
}

// RemoveLabelByHash finds the torrent among those visible to user, which
// also proves access.
func (s *torrentService) RemoveLabelByHash(ctx context.Context, user domain.User, hash, label string) error {
	torrents, err := s.List(ctx, user)
	if err != nil {
		return err
	}
	for _, t := range torrents {
		if strings.EqualFold(t.Hash, hash) {
			return s.updateLabels(ctx, t.ID, func(l domain.LabelSet) domain.LabelSet {
				return l.Without(label)
			})
		}
	}
	s.log.WithFields(logrus.Fields{"user_id": user.ID, "hash": hash}).Warn("no visible torrent with hash")
	return fmt.Errorf("%w: hash %s", backend.ErrNotFound, hash)
}

func (s *torrentService) updateLabels(ctx context.Context, id string, change func(domain.LabelSet) domain.LabelSet) error {
	t, err := s.backend.Get(ctx, id)
	if err != nil {
		s.log.WithField("torrent_id", id).Warnf("read labels: %v", err)
		return fmt.Errorf("read labels of %s: %w", id, err)
	}

	next := change(t.Labels)
	if slices.Equal(next.Strings(), t.Labels.Strings()) {
		return nil
	}
	if err := s.backend.SetLabels(ctx, id, next); err != nil {
		return fmt.Errorf("set labels of %s: %w", id, err)
	}
	return nil
}

func (s *torrentService) CheckAccess(ctx context.Context, user domain.User, id string) error {
	if user.IsAdmin() {
		return nil
	}

	log := s.log.WithFields(logrus.Fields{"user_id": user.ID, "torrent_id": id})
	torrents, err := s.List(ctx, user)
	if err != nil {
		log.Warnf("access check failed: %v", err)
		return fmt.Errorf("check access: %w", err)
	}
	for _, t := range torrents {
		if t.ID == id {
			return nil
		}
	}
	log.Warn("user tried to access torrent without permission")
	return ErrAccessDenied
}

func (s *torrentService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if !s.backend.Capabilities().Retention {
		s.log.Info("backend cleans up finished torrents itself, skipping sweep")
		report.Skipped = true
		return report, nil
	}

	system := domain.SystemUser()
	torrents, err := s.List(ctx, system)
	if err != nil {
		return report, fmt.Errorf("sweep: %w", err)
	}

	now := s.now().Unix()
	for _, t := range torrents {
		if !t.Labels.Imported || t.Labels.ImportFailed {
			continue
		}
		report.Checked++

		ageDays := float64(now-t.AddedAt) / 86400
		log := s.log.WithFields(logrus.Fields{
			"torrent_id": t.ID,
			"name":       t.Name,
			"age_days":   int(ageDays),
			"size":       units.HumanSize(float64(t.TotalSize)),
		})

		if ageDays > float64(s.retention.DeleteAfterDays) && t.UploadRatio > 1.0 {
			if err := s.Delete(ctx, system, t.ID, false); err != nil {
				report.Failed++
				log.Errorf("retention delete: %v", err)
			} else {
				report.Deleted++
				log.Info("deleted seeded torrent")
			}
		}

		if ageDays > float64(s.retention.StrictlyDeleteAfterDays) {
			if err := s.Delete(ctx, system, t.ID, true); err != nil {
				report.Failed++
				log.Errorf("retention delete with data: %v", err)
			} else {
				report.DeletedWithData++
				report.FreedBytes += t.TotalSize
				log.Info("deleted expired torrent and its data")
			}
		}
	}

	s.log.WithFields(logrus.Fields{
		"checked": report.Checked,
		"deleted": report.Deleted + report.DeletedWithData,
		"failed":  report.Failed,
		"freed":   units.HumanSize(float64(report.FreedBytes)),
	}).Info("retention sweep finished")
	return report, nil
}
