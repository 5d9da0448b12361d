package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"audioqueue/internal/backend"
	"audioqueue/internal/backend/decypharr"
	"audioqueue/internal/backend/qbittorrent"
	"audioqueue/internal/backend/transmission"
	"audioqueue/internal/config"
	"audioqueue/internal/domain"
	"audioqueue/internal/importer"
	"audioqueue/internal/magnet"
	"audioqueue/internal/repository"
	"audioqueue/internal/repository/sqlite"
	"audioqueue/internal/scheduler"
	"audioqueue/internal/service"
)

var (
	cfgFile string
	debug   bool
	cfg     config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "audioqueue",
	Short: "Shared audiobook download queue in front of a torrent client",
	Long: `audioqueue lets a small group of users search for audiobooks, queue them on
a Transmission, qBittorrent or Decypharr backend, hand finished downloads to an
import command and clean up old torrents.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeApp,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(importCmd)
}

func initializeApp(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = loaded
	logger = setupLogger(cfg.Log.Level, cfg.Log.Format, debug)
	return nil
}

func setupLogger(level, format string, debug bool) *logrus.Logger {
	l := logrus.New()
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		l.Warnf("unknown log level %q, using info", level)
		parsed = logrus.InfoLevel
	}
	if debug {
		parsed = logrus.DebugLevel
	}
	l.SetLevel(parsed)
	return l
}

// app holds the services every command shares.
type app struct {
	db         *sql.DB
	users      service.UserService
	candidates repository.CandidateRepository
	torrents   service.TorrentService
}

func buildApp(ctx context.Context) (*app, error) {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	userRepo := sqlite.NewUserRepository(db)
	candidateRepo := sqlite.NewCandidateRepository(db)
	if err := userRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init user repository: %w", err)
	}
	if err := candidateRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init candidate repository: %w", err)
	}

	users := service.NewUserService(userRepo)
	if cfg.Auth.AdminPassword != "" {
		admin, err := users.EnsureAdmin(ctx, cfg.Auth.AdminID, cfg.Auth.AdminUser, cfg.Auth.AdminPassword)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure admin account: %w", err)
		}
		logger.WithField("user_id", admin.ID).Debugf("admin account %s ready", admin.Username)
	} else if cfg.Auth.Mode == config.AuthLocal {
		logger.Warn("auth.adminpassword is empty, no admin account is created")
	}

	labels := domain.LabelScheme{
		Queue:       cfg.Labels.Queue,
		Imported:    cfg.Labels.Imported,
		ImportError: cfg.Labels.ImportError,
	}
	client, err := buildBackend(cfg, labels, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	torrents := service.NewTorrentService(service.TorrentConfig{
		Backend:    client,
		Resolver:   magnet.NewResolver(cfg.Client.Timeout, logger),
		Users:      users,
		Candidates: candidateRepo,
		Labels:     labels,
		Retention: service.RetentionPolicy{
			DeleteAfterDays:         cfg.Retention.DeleteAfterDays,
			StrictlyDeleteAfterDays: cfg.Retention.StrictlyDeleteAfterDays,
		},
		Logger: logger,
	})

	return &app{
		db:         db,
		users:      users,
		candidates: candidateRepo,
		torrents:   torrents,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func buildBackend(cfg config.Config, labels domain.LabelScheme, logger *logrus.Logger) (backend.Backend, error) {
	switch cfg.Client.Type {
	case config.ClientTransmission:
		logger.Infof("using transmission at %s", cfg.Transmission.URL)
		return transmission.New(transmission.Config{
			URL:      cfg.Transmission.URL,
			Username: cfg.Transmission.Username,
			Password: cfg.Transmission.Password,
			Timeout:  cfg.Client.Timeout,
			Labels:   labels,
			Logger:   logger,
		}), nil
	case config.ClientQBittorrent:
		logger.Infof("using qbittorrent at %s", cfg.QBittorrent.URL)
		return qbittorrent.New(qbittorrent.Config{
			URL:      cfg.QBittorrent.URL,
			Username: cfg.QBittorrent.Username,
			Password: cfg.QBittorrent.Password,
			Timeout:  cfg.Client.Timeout,
			Labels:   labels,
			Logger:   logger,
		}), nil
	case config.ClientDecypharr:
		logger.Infof("using decypharr at %s", cfg.Decypharr.URL)
		return decypharr.New(decypharr.Config{
			URL:            cfg.Decypharr.URL,
			APIKey:         cfg.Decypharr.APIKey,
			DownloadFolder: cfg.Decypharr.DownloadFolder,
			Timeout:        cfg.Client.Timeout,
			Labels:         labels,
			Logger:         logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported client type %q", cfg.Client.Type)
	}
}

func newImportRunner(a *app) importer.Runner {
	return importer.NewRunner(importer.Config{
		Command:      cfg.Import.Command,
		InputPath:    cfg.Import.InputPath,
		SearchIDFlag: cfg.Import.SearchIDFlag,
		Logger:       logger,
	}, a.torrents, a.candidates, importer.NewExecExecutor())
}

// buildJobs returns the periodic jobs. Import runs before the sweep so a
// finished torrent is imported before it can be removed.
func buildJobs(a *app) []scheduler.Job {
	var jobs []scheduler.Job
	if cfg.Import.Enabled {
		runner := newImportRunner(a)
		jobs = append(jobs, scheduler.Job{
			Name:     "import",
			Interval: cfg.Import.Interval,
			Run: func(ctx context.Context) error {
				report, err := runner.Run(ctx)
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{
					"imported": report.Imported,
					"failed":   report.Failed,
					"skipped":  report.Skipped,
				}).Info("import pass finished")
				return nil
			},
		})
	}
	jobs = append(jobs, scheduler.Job{
		Name:     "sweep",
		Interval: cfg.Retention.Interval,
		Run: func(ctx context.Context) error {
			_, err := a.torrents.Sweep(ctx)
			return err
		},
	})
	return jobs
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
