// Package config handles configuration for the converter server, including
// defaults, a TOML file overlay, environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds runtime settings for the server.
type Config struct {
	Server    Server    `toml:"server"`
	Storage   Storage   `toml:"storage"`
	Codec     Codec     `toml:"codec"`
	Analytics Analytics `toml:"analytics"`
	Log       Log       `toml:"log"`
}

type Server struct {
	Addr              string        `toml:"addr" validate:"required"`
	APIPrefix         string        `toml:"api_prefix" validate:"omitempty,startswith=/"`
	StaticDir         string        `toml:"static_dir"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout" validate:"gt=0"`
}

type Storage struct {
	UploadDir      string        `toml:"upload_dir" validate:"required"`
	OutputDir      string        `toml:"output_dir" validate:"required"`
	MaxUploadBytes int64         `toml:"max_upload_bytes" validate:"gt=0"`
	GracePeriod    time.Duration `toml:"grace_period" validate:"gte=0"`
}

type Codec struct {
	Command []string `toml:"command" validate:"required,min=1,dive,required"`
	Quality float64  `toml:"quality" validate:"gt=0,lte=1"`
	WorkDir string   `toml:"work_dir"`
}

type Analytics struct {
	ArchiveDays int `toml:"archive_days" validate:"gte=0"`
}

type Log struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// LoadDefaults populates Config with the values the server ships with.
func (c *Config) LoadDefaults() {
	c.Server.Addr = "0.0.0.0:4545"
	c.Server.APIPrefix = ""
	c.Server.StaticDir = "dist"
	c.Server.ReadHeaderTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 15 * time.Second
	c.Storage.UploadDir = "uploads"
	c.Storage.OutputDir = "output"
	c.Storage.MaxUploadBytes = 50 * 1024 * 1024
	c.Storage.GracePeriod = 5 * time.Second
	c.Codec.Command = []string{"heif-convert", "-q", "{quality}", "{input}", "{output}"}
	c.Codec.Quality = 0.9
	c.Analytics.ArchiveDays = 90
	c.Log.Level = "info"
	c.Log.Format = "text"
}

// Port returns the port part of Server.Addr.
func (c *Config) Port() string {
	_, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return ""
	}

	return port
}

// Load builds a Config by applying defaults, then a TOML file, then the
// environment (including a .env file in the working directory), then flags.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{}
	cfg.LoadDefaults()

	fs := pflag.NewFlagSet("heic2jpg", pflag.ContinueOnError)
	fl := bindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := fl.configPath
	if !fs.Changed("config") {
		path = os.Getenv("HEIC2JPG_CONFIG")
	}

	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	fl.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile overlays the TOML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config file %s: %v", path, undecoded)
	}

	return nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = ""
		}
		cfg.Server.Addr = net.JoinHostPort(host, port)
	}

	if v := os.Getenv("HEIC2JPG_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	if v, ok := os.LookupEnv("HEIC2JPG_API_PREFIX"); ok {
		cfg.Server.APIPrefix = v
	}

	if v := os.Getenv("HEIC2JPG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return multierr.Append(ErrInvalidConfig, err)
	}

	return nil
}
