// Package importer hands finished downloads to an external tagging command
// and records the outcome as torrent labels.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"audioqueue/internal/domain"
	"audioqueue/internal/service"
)

// Executor runs the import command. It returns the command's stdout even
// when the command fails.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execExecutor struct{}

// NewExecExecutor runs commands as child processes.
func NewExecExecutor() Executor {
	return execExecutor{}
}

func (execExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// CandidateSaver records match candidates a failed import proposed and
// returns the one a user picked.
type CandidateSaver interface {
	GetCandidates(ctx context.Context, hash string) ([]domain.Candidate, error)
	SaveCandidates(ctx context.Context, hash string, candidates []domain.Candidate) error
	GetSelected(ctx context.Context, hash string) (string, error)
}

// Runner imports every finished queue torrent that has not been processed.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Report summarises one import pass.
type Report struct {
	Imported int
	Failed   int
	Skipped  int
}

// Config configures the runner.
type Config struct {
	// Command is split on whitespace; the torrent's folders are appended.
	Command   string
	InputPath string
	// SearchIDFlag precedes the candidate a user selected for the torrent.
	SearchIDFlag string
	Logger       *logrus.Logger
}

type runner struct {
	cfg        Config
	torrents   service.TorrentService
	candidates CandidateSaver
	exec       Executor
	log        *logrus.Entry
}

func NewRunner(cfg Config, torrents service.TorrentService, candidates CandidateSaver, executor Executor) Runner {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if executor == nil {
		executor = NewExecExecutor()
	}
	if cfg.SearchIDFlag == "" {
		cfg.SearchIDFlag = "--search-id"
	}
	return &runner{
		cfg:        cfg,
		torrents:   torrents,
		candidates: candidates,
		exec:       executor,
		log:        cfg.Logger.WithField("component", "importer"),
	}
}

func (r *runner) Run(ctx context.Context) (Report, error) {
	var report Report

	argv := strings.Fields(r.cfg.Command)
	if len(argv) == 0 {
		return report, errors.New("import command is not configured")
	}

	if !r.torrents.Capabilities().Labels {
		r.log.Warnf("%s cannot record import results, skipping import", r.torrents.Backend())
		return report, nil
	}

	system := domain.SystemUser()
	torrents, err := r.torrents.List(ctx, system)
	if err != nil {
		return report, fmt.Errorf("list torrents for import: %w", err)
	}

	labels := r.torrents.Labels()
	pending := 0
	for _, t := range torrents {
		if t.Imported() || t.ImportError() {
			continue
		}
		pending++
		if t.Status != domain.StatusSeeding {
			report.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		log := r.log.WithFields(logrus.Fields{
			"torrent_id": t.ID,
			"name":       t.Name,
			"size":       units.HumanSize(float64(t.TotalSize)),
		})

		if len(t.Files) == 0 {
			// Some backends only report files for a single torrent.
			full, err := r.torrents.GetByID(ctx, t.ID)
			if err != nil {
				log.Warnf("fetch files: %v", err)
			} else {
				t.Files = full.Files
			}
		}

		folders := r.folders(t)
		if len(folders) == 0 {
			log.Warn("torrent has no files to import")
			report.Skipped++
			continue
		}

		args := slices.Clone(argv[1:])
		if selected := r.selected(ctx, log, t.Hash); selected != "" {
			log = log.WithField("candidate", selected)
			args = append(args, r.cfg.SearchIDFlag, selected)
		}
		args = append(args, folders...)

		log.Info("importing")
		out, runErr := r.exec.Run(ctx, argv[0], args...)

		label := labels.Imported
		if runErr != nil {
			label = labels.ImportError
			report.Failed++
			log.Errorf("import failed: %v", runErr)
			r.saveCandidates(ctx, log, t.Hash, out)
		} else {
			report.Imported++
		}

		if err := r.torrents.AddLabel(ctx, system, t.ID, label); err != nil {
			log.Errorf("label imported torrent: %v", err)
		}
	}

	if pending == 0 {
		r.log.Warn("no torrents waiting for import")
	}
	return report, nil
}

// folders returns the distinct top-level entries of the torrent under the
// import input path.
func (r *runner) folders(t domain.Torrent) []string {
	var out []string
	for _, f := range t.Files {
		top := strings.SplitN(path.Clean(filepath.ToSlash(f.Path)), "/", 2)[0]
		if top == "" || top == "." || top == ".." {
			continue
		}
		dir := filepath.Join(r.cfg.InputPath, top)
		if !slices.Contains(out, dir) {
			out = append(out, dir)
		}
	}
	return out
}

func (r *runner) selected(ctx context.Context, log *logrus.Entry, hash string) string {
	if r.candidates == nil || hash == "" {
		return ""
	}
	id, err := r.candidates.GetSelected(ctx, hash)
	if err != nil {
		log.Warnf("read selected candidate: %v", err)
		return ""
	}
	return id
}

// saveCandidates stores the match list a failed import printed on stdout.
// Earlier candidates for the same torrent are kept.
func (r *runner) saveCandidates(ctx context.Context, log *logrus.Entry, hash string, out []byte) {
	if r.candidates == nil || hash == "" || len(bytes.TrimSpace(out)) == 0 {
		return
	}

	var candidates []domain.Candidate
	if err := json.Unmarshal(out, &candidates); err != nil {
		log.Debugf("import output is not a candidate list: %v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	existing, err := r.candidates.GetCandidates(ctx, hash)
	if err != nil {
		log.Warnf("read saved candidates: %v", err)
		return
	}
	if len(existing) > 0 {
		return
	}
	if err := r.candidates.SaveCandidates(ctx, hash, candidates); err != nil {
		log.Warnf("save candidates: %v", err)
	}
}
