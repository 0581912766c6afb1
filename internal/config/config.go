// Package config loads the packager's settings from defaults, an optional
// TOML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ConfigFileEnv names the TOML file to load when no --config flag exists.
const ConfigFileEnv = "PACKAGER_CONFIG"

// Upload backends.
const (
	BackendResumable = "resumable"
	BackendSDK       = "sdk"
)

type Config struct {
	Broker     BrokerConfig     `toml:"broker"`
	Repository RepositoryConfig `toml:"repository"`
	Storage    StorageConfig    `toml:"storage"`
	Auth       AuthConfig       `toml:"auth"`
	Packager   PackagerConfig   `toml:"packager"`
}

type BrokerConfig struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
	Stream  string `toml:"stream"`
	Durable string `toml:"durable"`
}

type RepositoryConfig struct {
	// URL is the base that docset member refs are appended to.
	URL     string        `toml:"url"`
	Accept  string        `toml:"accept"`
	Timeout time.Duration `toml:"timeout"`
}

type StorageConfig struct {
	Backend   string        `toml:"backend"`
	URL       string        `toml:"url"`
	UploadURL string        `toml:"upload_url"`
	Bucket    string        `toml:"bucket"`
	Timeout   time.Duration `toml:"timeout"`
}

type AuthConfig struct {
	TokenURL string        `toml:"token_url"`
	Issuer   string        `toml:"issuer"`
	KeyFile  string        `toml:"key_file"`
	Scopes   []string      `toml:"scopes"`
	Audience string        `toml:"audience"`
	TTL      time.Duration `toml:"ttl"`
}

type PackagerConfig struct {
	ReplyPrefix   string `toml:"reply_prefix"`
	MimeType      string `toml:"mime_type"`
	Extension     string `toml:"extension"`
	TempDir       string `toml:"temp_dir"`
	NotifyFailure bool   `toml:"notify_failure"`
	ValidatePDF   bool   `toml:"validate_pdf"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			URL:     "nats://localhost:4222",
			Subject: "docsets.package",
			Stream:  "DOCSETS",
			Durable: "docset-packager",
		},
		Repository: RepositoryConfig{
			URL:     "http://localhost:8080/fedora/rest/",
			Accept:  "text/turtle",
			Timeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:   BackendResumable,
			URL:       "https://www.googleapis.com/storage/v1",
			UploadURL: "https://www.googleapis.com/upload/storage/v1",
			Timeout:   30 * time.Minute,
		},
		Auth: AuthConfig{
			TokenURL: "https://oauth2.googleapis.com/token",
			Scopes:   []string{"https://www.googleapis.com/auth/devstorage.read_write"},
			TTL:      time.Hour,
		},
		Packager: PackagerConfig{
			ReplyPrefix: "package.",
			MimeType:    "application/pdf",
			Extension:   "pdf",
		},
	}
}

// Load reads path, when non-empty, over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Broker.URL, "NATS_URL")
	setString(&c.Broker.Subject, "NATS_SUBJECT")
	setString(&c.Broker.Stream, "NATS_STREAM")
	setString(&c.Broker.Durable, "NATS_DURABLE")

	setString(&c.Repository.URL, "REPOSITORY_URL")
	setString(&c.Repository.Accept, "REPOSITORY_ACCEPT")

	setString(&c.Storage.Backend, "UPLOAD_BACKEND")
	setString(&c.Storage.URL, "STORAGE_URL")
	setString(&c.Storage.UploadURL, "STORAGE_UPLOAD_URL")
	setString(&c.Storage.Bucket, "UPLOAD_BUCKET")

	setString(&c.Auth.TokenURL, "AUTH_TOKEN_URL")
	setString(&c.Auth.Issuer, "AUTH_ISSUER")
	setString(&c.Auth.KeyFile, "AUTH_KEY_FILE")
	setString(&c.Auth.Audience, "AUTH_AUDIENCE")
	if v, ok := os.LookupEnv("AUTH_SCOPES"); ok {
		c.Auth.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}

	setString(&c.Packager.ReplyPrefix, "REPLY_PREFIX")
	setString(&c.Packager.MimeType, "PACKAGE_MIME_TYPE")
	setString(&c.Packager.Extension, "PACKAGE_EXTENSION")
	setString(&c.Packager.TempDir, "PACKAGE_TEMP_DIR")

	for key, dst := range map[string]*bool{
		"NOTIFY_FAILURE": &c.Packager.NotifyFailure,
		"VALIDATE_PDF":   &c.Packager.ValidatePDF,
	} {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

// PathFromEnv returns the config file named by PACKAGER_CONFIG, or "" when
// unset.
func PathFromEnv() string {
	return os.Getenv(ConfigFileEnv)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

// Validate reports settings that must be present before connecting.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage bucket must be set (UPLOAD_BUCKET)"))
	}
	if c.Storage.Backend != BackendResumable && c.Storage.Backend != BackendSDK {
		errs = append(errs, fmt.Errorf("unknown upload backend %q", c.Storage.Backend))
	}
	if c.Auth.Issuer == "" {
		errs = append(errs, errors.New("auth issuer must be set (AUTH_ISSUER)"))
	}
	if c.Auth.KeyFile == "" {
		errs = append(errs, errors.New("auth key file must be set (AUTH_KEY_FILE)"))
	}
	if c.Packager.MimeType == "" || c.Packager.Extension == "" {
		errs = append(errs, errors.New("package mime type and extension must be set"))
	}
	return errors.Join(errs...)
}
