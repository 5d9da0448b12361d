package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AUDIOQUEUE"

// Client types.
const (
	ClientTransmission = "transmission"
	ClientDecypharr    = "decypharr"
	ClientQBittorrent  = "qbittorrent"
)

// Auth modes.
const (
	AuthLocal  = "local"
	AuthHeader = "header"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr  string
		Title string
	}
	Log struct {
		Level  string
		Format string
	}
	Database struct {
		Path string
	}
	Auth struct {
		Mode            string
		JWTSecret       string
		TokenTTLMinutes int
		AdminUser       string
		AdminPassword   string
		AdminID         string
	}
	Client struct {
		Type    string
		Timeout time.Duration
	}
	Transmission struct {
		URL      string
		Username string
		Password string
	}
	Decypharr struct {
		URL            string
		APIKey         string
		DownloadFolder string
	}
	QBittorrent struct {
		URL      string
		Username string
		Password string
	}
	Labels struct {
		Queue       string
		Imported    string
		ImportError string
	}
	Retention struct {
		DeleteAfterDays         int
		StrictlyDeleteAfterDays int
		Interval                time.Duration
	}
	Indexer struct {
		URL      string
		APIKey   string
		Category string
	}
	Import struct {
		Enabled      bool
		Command      string
		InputPath    string
		SearchIDFlag string
		Interval     time.Duration
	}
}

// Load reads configuration from environment variables and an optional config
// file. An empty path looks for config.yaml in the working directory.
func Load(path string) (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:9000")
	v.SetDefault("server.title", "Audiobook Search")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.path", "data/audioqueue.db")
	v.SetDefault("auth.mode", AuthLocal)
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 7*24*60)
	v.SetDefault("auth.adminuser", "admin")
	v.SetDefault("auth.adminpassword", "")
	v.SetDefault("auth.adminid", "")
	v.SetDefault("client.type", ClientTransmission)
	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("transmission.url", "http://localhost:9091/transmission/rpc")
	v.SetDefault("transmission.username", "")
	v.SetDefault("transmission.password", "")
	v.SetDefault("decypharr.url", "")
	v.SetDefault("decypharr.apikey", "")
	v.SetDefault("decypharr.downloadfolder", "/mnt")
	v.SetDefault("qbittorrent.url", "")
	v.SetDefault("qbittorrent.username", "")
	v.SetDefault("qbittorrent.password", "")
	v.SetDefault("labels.queue", "audiobook")
	v.SetDefault("labels.imported", "beets")
	v.SetDefault("labels.importerror", "beetserror")
	v.SetDefault("retention.deleteafterdays", 14)
	v.SetDefault("retention.strictlydeleteafterdays", 30)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("indexer.url", "")
	v.SetDefault("indexer.apikey", "")
	v.SetDefault("indexer.category", "audiobooks")
	v.SetDefault("import.enabled", false)
	v.SetDefault("import.command", "")
	v.SetDefault("import.inputpath", "/beetsinput")
	v.SetDefault("import.searchidflag", "--search-id")
	v.SetDefault("import.interval", 10*time.Minute)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Client.Type = strings.ToLower(strings.TrimSpace(cfg.Client.Type))
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.Client.Type {
	case ClientTransmission:
		if c.Transmission.URL == "" {
			errs = append(errs, errors.New("transmission.url is required"))
		}
	case ClientDecypharr:
		if c.Decypharr.URL == "" {
			errs = append(errs, errors.New("decypharr.url is required"))
		}
	case ClientQBittorrent:
		if c.QBittorrent.URL == "" {
			errs = append(errs, errors.New("qbittorrent.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported client.type %q", c.Client.Type))
	}

	switch c.Auth.Mode {
	case AuthLocal, AuthHeader:
	default:
		errs = append(errs, fmt.Errorf("unsupported auth.mode %q", c.Auth.Mode))
	}

	if c.Labels.Queue == "" {
		errs = append(errs, errors.New("labels.queue must not be empty"))
	}
	if c.Retention.DeleteAfterDays < 0 || c.Retention.StrictlyDeleteAfterDays < 0 {
		errs = append(errs, errors.New("retention thresholds must not be negative"))
	}
	if c.Retention.StrictlyDeleteAfterDays < c.Retention.DeleteAfterDays {
		errs = append(errs, fmt.Errorf("retention.strictlydeleteafterdays (%d) is below retention.deleteafterdays (%d)",
			c.Retention.StrictlyDeleteAfterDays, c.Retention.DeleteAfterDays))
	}
	if c.Import.Enabled && strings.TrimSpace(c.Import.Command) == "" {
		errs = append(errs, errors.New("import.command is required when import is enabled"))
	}

	return errors.Join(errs...)
}

// loadDotEnv copies AUDIOQUEUE_* assignments from a dotenv file into the
// environment and returns how many it set. Variables already present win
// and keys without the prefix are ignored.
func loadDotEnv(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	loaded := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if !strings.HasPrefix(key, envPrefix+"_") {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err == nil {
			loaded++
		}
	}
	return loaded
}
