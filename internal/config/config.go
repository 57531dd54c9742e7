// pattern: Imperative Shell

// Package config loads devsync.yaml, applies environment overrides, and
// checks the files a dev session cannot start without.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the project root.
const FileName = "devsync.yaml"

// Restart strategies.
const (
	StrategyTwoPhase      = "two-phase"
	StrategyTeardownFirst = "teardown-first"
)

// Build engines.
const (
	EngineCommand = "command"
	EngineStatic  = "static"
)

// Build command restart policies.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"
)

type Config struct {
	Root          string        `yaml:"root"`
	SrcDir        string        `yaml:"src_dir"`
	PublicDir     string        `yaml:"public_dir"`
	RequiredFiles []string      `yaml:"required_files"`
	Extension     string        `yaml:"extension"`
	Entries       EntriesConfig `yaml:"entries"`
	ThrottleMS    int           `yaml:"throttle_ms"`
	Server        ServerConfig  `yaml:"server"`
	Build         BuildConfig   `yaml:"build"`
	Log           LogConfig     `yaml:"log"`
	Theme         string        `yaml:"theme"`
}

// EntriesConfig is the discovery rule: root-relative glob patterns that
// qualify a source file as a build entry point.
type EntriesConfig struct {
	Patterns []string `yaml:"patterns"`
}

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	HTTPS           bool   `yaml:"https"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	RestartStrategy string `yaml:"restart_strategy"`
}

// BuildConfig is handed to the build engine on every (re)start.
type BuildConfig struct {
	Engine         string   `yaml:"engine"`
	Command        []string `yaml:"command"`
	OutputDir      string   `yaml:"output_dir"`
	PTY            bool     `yaml:"pty"`
	Restart        string   `yaml:"restart"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryDelayMS   int      `yaml:"retry_delay_ms"`
	DonePattern    string   `yaml:"done_pattern"`
	InvalidPattern string   `yaml:"invalid_pattern"`
	ErrorPattern   string   `yaml:"error_pattern"`
	WarningPattern string   `yaml:"warning_pattern"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() Config {
	return Config{
		Root:          ".",
		SrcDir:        "src",
		PublicDir:     "public",
		RequiredFiles: []string{"public/index.html", "src/index.js"},
		Extension:     ".js",
		Entries: EntriesConfig{
			Patterns: []string{"*.js", "pages/**/*.js"},
		},
		ThrottleMS: 1000,
		Server: ServerConfig{
			Host:            "localhost",
			Port:            3000,
			RestartStrategy: StrategyTwoPhase,
		},
		Build: BuildConfig{
			Engine:         EngineStatic,
			OutputDir:      "dist",
			PTY:            true,
			Restart:        RestartOnFailure,
			MaxRetries:     3,
			RetryDelayMS:   1000,
			DonePattern:    `(?i)\b(compiled|built|build finished|done)\b`,
			InvalidPattern: `(?i)\b(compiling|rebuilding|change detected)\b`,
			ErrorPattern:   `(?i)\berror\b`,
			WarningPattern: `(?i)\bwarn(ing)?\b`,
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(".devsync", "devsync.log"),
		},
		Theme: "mocha",
	}
}

// LoadFrom reads the given file over DefaultConfig. A missing file yields
// the defaults rooted at the file's directory. The file is read on every
// call; nothing is cached.
func LoadFrom(configPath string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Root = filepath.Dir(configPath)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse %s: %w", configPath, err)
	}

	if cfg.Root == "" {
		cfg.Root = "."
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(configPath), cfg.Root)
	}
	return cfg, nil
}

// LookupEnvFunc matches os.LookupEnv.
type LookupEnvFunc func(key string) (string, bool)

// ApplyEnv applies PORT, HOST and HTTPS overrides using os.LookupEnv.
func (c *Config) ApplyEnv() error {
	return c.ApplyEnvWith(os.LookupEnv)
}

// ApplyEnvWith applies PORT, HOST and HTTPS overrides from lookup.
// HTTPS switches the protocol only when set to "true".
func (c *Config) ApplyEnvWith(lookup LookupEnvFunc) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("HTTPS"); ok {
		c.Server.HTTPS = v == "true"
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.ThrottleMS <= 0 {
		return fmt.Errorf("throttle_ms must be positive, got %d", c.ThrottleMS)
	}
	if !strings.HasPrefix(c.Extension, ".") {
		return fmt.Errorf("extension %q must start with a dot", c.Extension)
	}
	if len(c.Entries.Patterns) == 0 {
		return errors.New("entries.patterns must not be empty")
	}
	switch c.Server.RestartStrategy {
	case StrategyTwoPhase, StrategyTeardownFirst:
	default:
		return fmt.Errorf("unknown server.restart_strategy %q", c.Server.RestartStrategy)
	}
	switch c.Build.Engine {
	case EngineStatic:
	case EngineCommand:
		if len(c.Build.Command) == 0 {
			return errors.New("build.command is required for the command engine")
		}
	default:
		return fmt.Errorf("unknown build.engine %q", c.Build.Engine)
	}
	switch c.Build.Restart {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("unknown build.restart %q", c.Build.Restart)
	}
	if c.Build.MaxRetries < 0 || c.Build.RetryDelayMS < 0 {
		return errors.New("build.max_retries and build.retry_delay_ms must not be negative")
	}
	if c.Server.HTTPS && (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.HTTPS && c.Server.TLSCert == "" {
		return errors.New("https requires server.tls_cert and server.tls_key")
	}
	return nil
}

// Protocol returns "https" or "http".
func (c *Config) Protocol() string {
	if c.Server.HTTPS {
		return "https"
	}
	return "http"
}

// RetryDelay returns the pause before a crashed build command is restarted.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Build.RetryDelayMS) * time.Millisecond
}

// Throttle returns the throttle window.
func (c *Config) Throttle() time.Duration {
	return time.Duration(c.ThrottleMS) * time.Millisecond
}

// SourceRoot returns the absolute directory that is watched.
func (c *Config) SourceRoot() string {
	return c.Resolve(c.SrcDir)
}

// Resolve joins a root-relative path onto Root.
func (c *Config) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		root = c.Root
	}
	return filepath.Join(root, path)
}

// Missing returns the required files that do not exist, resolved against
// Root.
func (c *Config) Missing() []string {
	var missing []string
	for _, rel := range c.RequiredFiles {
		path := c.Resolve(rel)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			missing = append(missing, path)
		}
	}
	return missing
}
