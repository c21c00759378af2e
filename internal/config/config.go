package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultMaxParallel = 5

type Config struct {
	DownloadsDir string `toml:"downloads_dir"`
	DataDir      string `toml:"data_dir"`
	StateBackend string `toml:"state_backend"`
	StateFile    string `toml:"state_file"`
	ManifestFile string `toml:"manifest_file"`
	MaxParallel  int    `toml:"max_parallel"`
	ShowProgress bool   `toml:"show_progress"`

	Galaxy   Galaxy   `toml:"galaxy"`
	CodeHost CodeHost `toml:"codehost"`

	// Overall deadline for one run. Zero disables it.
	CrawlTimeout Duration `toml:"crawl_timeout"`
}

type Galaxy struct {
	BaseURL        string   `toml:"base_url"`
	StartPath      string   `toml:"start_path"`
	TokenEnv       string   `toml:"token_env"`
	RequestTimeout Duration `toml:"request_timeout"`
	MaxPages       int      `toml:"max_pages"`

	Token string `toml:"-"`
}

type CodeHost struct {
	Host           string   `toml:"host"`
	TokenEnv       string   `toml:"token_env"`
	RequestTimeout Duration `toml:"request_timeout"`

	Token string `toml:"-"`
}

// Duration decodes TOML strings such as "90s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func DefaultConfig() *Config {
	return &Config{
		DownloadsDir: "downloads",
		DataDir:      "data",
		StateBackend: "sqlite",
		StateFile:    filepath.Join("data", ".ingest", "state.db"),
		ManifestFile: filepath.Join("data", ".ingest", "extracted.json"),
		MaxParallel:  DefaultMaxParallel,
		Galaxy: Galaxy{
			BaseURL:        "https://galaxy.ansible.com/api/v1",
			StartPath:      "/search/roles/?format=json&page_size=1000",
			TokenEnv:       "ANSIBLE_GALAXY_TOKEN",
			RequestTimeout: Duration{time.Minute},
		},
		CodeHost: CodeHost{
			Host:           "codeload.github.com",
			TokenEnv:       "GITHUB_API_TOKEN",
			RequestTimeout: Duration{10 * time.Minute},
		},
	}
}

// Load reads the optional TOML file at path on top of the defaults and
// resolves the API tokens from the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.Galaxy.Token = os.Getenv(cfg.Galaxy.TokenEnv)
	cfg.CodeHost.Token = os.Getenv(cfg.CodeHost.TokenEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DownloadsDir == "" {
		errs = append(errs, errors.New("downloads_dir must be set"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.MaxParallel <= 0 {
		errs = append(errs, errors.New("max_parallel must be > 0"))
	}
	switch c.StateBackend {
	case "sqlite", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown state_backend %q", c.StateBackend))
	}
	if u, err := url.Parse(c.Galaxy.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("galaxy.base_url %q is not an absolute URL", c.Galaxy.BaseURL))
	}
	if c.CodeHost.Host == "" {
		errs = append(errs, errors.New("codehost.host must be set"))
	}
	return errors.Join(errs...)
}

func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
