package config

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"gopkg.in/yaml.v3"

	"castsink/internal/reconcile"
)

// Config represents the persisted application configuration.
type Config struct {
	DownloadRoot          string `yaml:"download_root"`
	SimultaneousDownloads int    `yaml:"simultaneous_downloads"`
	MaxRetries            int    `yaml:"max_retries"`
	RetryBackoffMaxSec    int    `yaml:"retry_backoff_max_seconds"`
	DownloadNewEpisodes   string `yaml:"download_new_episodes"`
	UserAgent             string `yaml:"user_agent"`
	Proxy                 string `yaml:"proxy,omitempty"`
	TLSVerify             bool   `yaml:"tls_verify"`

	EnableSync   bool   `yaml:"enable_sync"`
	SyncServer   string `yaml:"sync_server,omitempty"`
	SyncUsername string `yaml:"sync_username,omitempty"`
	SyncPassword string `yaml:"sync_password,omitempty"`
	SyncDevice   string `yaml:"sync_device,omitempty"`
	SyncOnStart  bool   `yaml:"sync_on_start"`
}

// Defaults returns the baseline configuration used on first run.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DownloadRoot:          filepath.Join(home, "Podcasts"),
		SimultaneousDownloads: 3,
		MaxRetries:            3,
		RetryBackoffMaxSec:    60,
		DownloadNewEpisodes:   string(reconcile.PolicyAskUnselected),
		UserAgent:             "castsink/dev",
		TLSVerify:             true,
	}
}

// Policy returns the new-episode download policy, falling back to the
// default when the configured value is unknown.
func (c Config) Policy() reconcile.Policy {
	p := reconcile.Policy(strings.TrimSpace(c.DownloadNewEpisodes))
	if !p.Valid() {
		return reconcile.PolicyAskUnselected
	}
	return p
}

// HTTPClient builds a client honoring the proxy and TLS settings.
func (c Config) HTTPClient(timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy := strings.TrimSpace(c.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if !c.TLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Ensure loads configuration from the provided path, prompting the user to
// create one if it does not yet exist.
func Ensure(ctx context.Context, path string) (Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	cfg = Defaults()
	if err := bootstrap(ctx, &cfg); err != nil {
		return Config{}, err
	}

	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads configuration from disk.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.SimultaneousDownloads <= 0 {
		cfg.SimultaneousDownloads = Defaults().SimultaneousDownloads
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if !reconcile.Policy(cfg.DownloadNewEpisodes).Valid() {
		cfg.DownloadNewEpisodes = Defaults().DownloadNewEpisodes
	}
	return cfg, nil
}

// Save writes configuration back to disk, ensuring directory permissions are restrictive.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func bootstrap(ctx context.Context, cfg *Config) error {
	if fromEnv := strings.TrimSpace(os.Getenv("CASTSINK_DOWNLOAD_ROOT")); fromEnv != "" {
		resolved, err := expandPath(fromEnv)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(resolved, 0o755); err != nil {
			return fmt.Errorf("create download directory: %w", err)
		}
		cfg.DownloadRoot = resolved
		return nil
	}

	prompt := &survey.Input{
		Message: "Choose a download directory",
		Default: cfg.DownloadRoot,
	}

	var answer string
	if err := survey.AskOne(prompt, &answer, survey.WithValidator(survey.Required)); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return fmt.Errorf("initialisation interrupted")
		}
		return err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fmt.Errorf("download directory cannot be empty")
	}

	resolved, err := expandPath(answer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	cfg.DownloadRoot = resolved
	return nil
}

// EditInteractive opens an interactive survey session allowing the user to
// update configuration values.
func EditInteractive(ctx context.Context, cfg Config) (Config, error) {
	questions := []*survey.Question{
		{
			Name: "download_root",
			Prompt: &survey.Input{
				Message: "Download directory",
				Default: cfg.DownloadRoot,
			},
			Validate: survey.Required,
		},
		{
			Name: "simultaneous_downloads",
			Prompt: &survey.Input{
				Message: "Simultaneous downloads",
				Default: fmt.Sprintf("%d", cfg.SimultaneousDownloads),
			},
			Validate: validatePositiveInt,
		},
		{
			Name: "max_retries",
			Prompt: &survey.Input{
				Message: "Download retries",
				Default: fmt.Sprintf("%d", cfg.MaxRetries),
			},
			Validate: validateNonNegativeInt,
		},
		{
			Name: "retry_backoff_max_seconds",
			Prompt: &survey.Input{
				Message: "Retry backoff max (seconds)",
				Default: fmt.Sprintf("%d", cfg.RetryBackoffMaxSec),
			},
			Validate: validatePositiveInt,
		},
		{
			Name: "download_new_episodes",
			Prompt: &survey.Select{
				Message: "Download new episodes",
				Options: []string{
					string(reconcile.PolicyAlways),
					string(reconcile.PolicyAskSelected),
					string(reconcile.PolicyAskUnselected),
					string(reconcile.PolicyNever),
				},
				Default: cfg.DownloadNewEpisodes,
			},
		},
		{
			Name: "user_agent",
			Prompt: &survey.Input{
				Message: "User agent",
				Default: cfg.UserAgent,
			},
		},
		{
			Name: "proxy",
			Prompt: &survey.Input{
				Message: "HTTP proxy (optional)",
				Default: cfg.Proxy,
			},
		},
		{
			Name: "tls_verify",
			Prompt: &survey.Confirm{
				Message: "Verify TLS certificates",
				Default: cfg.TLSVerify,
			},
		},
		{
			Name: "enable_sync",
			Prompt: &survey.Confirm{
				Message: "Synchronize with a gpodder server",
				Default: cfg.EnableSync,
			},
		},
	}

	answers := map[string]interface{}{}
	select {
	case <-ctx.Done():
		return Config{}, ctx.Err()
	default:
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return Config{}, err
	}

	cfg.DownloadRoot = strings.TrimSpace(answers["download_root"].(string))
	cfg.SimultaneousDownloads = toInt(answers["simultaneous_downloads"])
	cfg.MaxRetries = toInt(answers["max_retries"])
	cfg.RetryBackoffMaxSec = toInt(answers["retry_backoff_max_seconds"])
	if policy, ok := answers["download_new_episodes"].(string); ok {
		cfg.DownloadNewEpisodes = policy
	}
	cfg.UserAgent = strings.TrimSpace(answers["user_agent"].(string))
	cfg.Proxy = strings.TrimSpace(answers["proxy"].(string))
	cfg.TLSVerify = answers["tls_verify"].(bool)
	cfg.EnableSync = answers["enable_sync"].(bool)

	if cfg.EnableSync {
		if err := askSyncDetails(&cfg); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func askSyncDetails(cfg *Config) error {
	questions := []*survey.Question{
		{
			Name: "sync_server",
			Prompt: &survey.Input{
				Message: "Sync server URL",
				Default: cfg.SyncServer,
			},
			Validate: survey.Required,
		},
		{
			Name: "sync_username",
			Prompt: &survey.Input{
				Message: "Sync username",
				Default: cfg.SyncUsername,
			},
			Validate: survey.Required,
		},
		{
			Name: "sync_password",
			Prompt: &survey.Password{
				Message: "Sync password",
			},
		},
		{
			Name: "sync_on_start",
			Prompt: &survey.Confirm{
				Message: "Synchronize on startup",
				Default: cfg.SyncOnStart,
			},
		},
	}

	answers := map[string]interface{}{}
	if err := survey.Ask(questions, &answers); err != nil {
		return err
	}

	cfg.SyncServer = strings.TrimSpace(answers["sync_server"].(string))
	cfg.SyncUsername = strings.TrimSpace(answers["sync_username"].(string))
	if password, ok := answers["sync_password"].(string); ok && password != "" {
		cfg.SyncPassword = password
	}
	cfg.SyncOnStart = answers["sync_on_start"].(bool)
	return nil
}

func validatePositiveInt(ans interface{}) error {
	v := strings.TrimSpace(ans.(string))
	if v == "" {
		return errors.New("value required")
	}
	i, err := parseInt(v)
	if err != nil {
		return err
	}
	if i <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

func validateNonNegativeInt(ans interface{}) error {
	v := strings.TrimSpace(ans.(string))
	if v == "" {
		return errors.New("value required")
	}
	i, err := parseInt(v)
	if err != nil {
		return err
	}
	if i < 0 {
		return errors.New("must be zero or positive")
	}
	return nil
}

func parseInt(value string) (int, error) {
	var i int
	_, err := fmt.Sscanf(value, "%d", &i)
	if err != nil {
		return 0, errors.New("must be a number")
	}
	return i, nil
}

func toInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case string:
		i, _ := parseInt(v)
		return i
	default:
		return 0
	}
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
