// Package scheduler runs the periodic maintenance jobs (import, retention)
// for the lifetime of the server.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Manager starts jobs on their intervals and can run them on demand.
// Jobs never overlap: a tick that arrives while another job is running
// waits for it.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	RunNow(ctx context.Context) error
}

type Config struct {
	Jobs   []Job
	Logger *logrus.Logger
}

type manager struct {
	cfg Config
	log *logrus.Entry

	// serialises job runs
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg Config) Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "scheduler"),
		sem: make(chan struct{}, 1),
	}
}

func (m *manager) Start(ctx context.Context) error {
	for _, job := range m.cfg.Jobs {
		if job.Run == nil {
			return fmt.Errorf("job %q has no run function", job.Name)
		}
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, job := range m.cfg.Jobs {
		if job.Interval <= 0 {
			m.log.WithField("job", job.Name).Info("job has no interval, on-demand only")
			continue
		}
		m.wg.Add(1)
		go m.loop(job)
	}
	m.log.Infof("scheduler started with %d jobs", len(m.cfg.Jobs))
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("scheduler stopped")
}

func (m *manager) loop(job Job) {
	defer m.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.run(m.ctx, job); err != nil && !errors.Is(err, context.Canceled) {
				m.log.WithField("job", job.Name).Errorf("job failed: %v", err)
			}
		}
	}
}

// RunNow runs every job once, in order, and joins their errors.
func (m *manager) RunNow(ctx context.Context) error {
	var errs []error
	for _, job := range m.cfg.Jobs {
		if err := m.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *manager) run(ctx context.Context, job Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.sem <- struct{}{}:
	}
	defer func() { <-m.sem }()

	log := m.log.WithField("job", job.Name)
	started := time.Now()
	log.Debug("job started")
	if err := job.Run(ctx); err != nil {
		return err
	}
	log.WithField("took", time.Since(started).Round(time.Millisecond)).Info("job finished")
	return nil
}
