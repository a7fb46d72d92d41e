package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingConfig is returned when a required value is absent.
	ErrMissingConfig = errors.New("missing required configuration")

	// ErrInvalidDate is returned for a cutoff date that is neither
	// YYYY-MM-DD nor an "unfiltered" marker.
	ErrInvalidDate = errors.New("date must be of the format YYYY-MM-DD")
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "./epicov_config.yaml"

const dateLayout = "2006-01-02"

type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Download DownloadConfig `yaml:"download"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type PathsConfig struct {
	// EpicovDir holds accession_info/, gisaid_metadata/ and manifests/.
	EpicovDir string `yaml:"epicov_dir"`
	// Downloads is where the browser saves files.
	Downloads string `yaml:"downloads"`
}

type DownloadConfig struct {
	Date      string   `yaml:"date"`
	Locations []string `yaml:"locations"`
	Filetypes []string `yaml:"filetypes"`
	EPISet    bool     `yaml:"episet"`
	Wait      bool     `yaml:"wait"`

	Limit    int `yaml:"limit"`
	AckLimit int `yaml:"ack_limit"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	NoticeInterval time.Duration `yaml:"notice_interval"`
}

type ClusterConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BucketURL   string `yaml:"bucket_url"`
	RemoteDir   string `yaml:"remote_dir"`
	Compress    bool   `yaml:"compress"`
	SkipRefresh bool   `yaml:"skip_refresh"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used for any value the file and flags
// leave unset.
func Default() Config {
	return Config{
		Download: DownloadConfig{
			Filetypes:      []string{"all"},
			Wait:           true,
			Limit:          10000,
			AckLimit:       500,
			PollInterval:   500 * time.Millisecond,
			NoticeInterval: 60 * time.Second,
		},
		Cluster: ClusterConfig{
			Enabled:  true,
			Compress: true,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads a YAML file over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// AccessionDir is the accession store.
func (c Config) AccessionDir() string {
	return filepath.Join(c.Paths.EpicovDir, "accession_info")
}

// MetaDir receives renamed sequence, metadata and acknowledgement files.
func (c Config) MetaDir() string {
	return filepath.Join(c.Paths.EpicovDir, "gisaid_metadata")
}

// ManifestDir receives run manifests.
func (c Config) ManifestDir() string {
	return filepath.Join(c.Paths.EpicovDir, "manifests")
}

// Validate reports every missing required value at once.
func (c Config) Validate() error {
	if err := ValidateDate(c.Download.Date); err != nil {
		return err
	}

	var missing []string
	if c.Paths.EpicovDir == "" {
		missing = append(missing, "paths.epicov_dir")
	}
	if c.Paths.Downloads == "" {
		missing = append(missing, "paths.downloads")
	}
	if len(c.Download.Locations) == 0 {
		missing = append(missing, "download.locations")
	}
	if c.Cluster.Enabled && c.Cluster.BucketURL == "" {
		missing = append(missing, "cluster.bucket_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if c.Download.Limit <= 0 {
		return errors.New("config: download.limit must be positive")
	}
	if c.Download.AckLimit <= 0 {
		return errors.New("config: download.ack_limit must be positive")
	}
	return nil
}

// ValidateDate accepts YYYY-MM-DD or anything containing "unfiltered".
func ValidateDate(date string) error {
	if date == "" {
		return fmt.Errorf("%w: date", ErrMissingConfig)
	}
	if strings.Contains(date, "unfiltered") {
		return nil
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("%w: got %q", ErrInvalidDate, date)
	}
	return nil
}

// FindDownloadsDir returns explicit when set; otherwise the first Downloads
// directory found directly inside a parent of cwd, then home/Downloads.
func FindDownloadsDir(explicit, cwd, home string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cwd != "" {
		for dir := filepath.Dir(filepath.Clean(cwd)); ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, "Downloads")
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate, nil
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}
	if home != "" {
		candidate := filepath.Join(home, "Downloads")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: downloads directory", ErrMissingConfig)
}
