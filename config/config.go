// Package config loads the toolbridge launch spec file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolbridge/bridge"
)

const (
	projectConfigName = "toolbridge.yaml"
	homeConfigDir     = ".toolbridge"
	homeConfigName    = "config.yaml"
)

// Environment overrides for bridge-wide defaults.
const (
	EnvCallTimeout     = "TOOLBRIDGE_CALL_TIMEOUT"
	EnvPoisonThreshold = "TOOLBRIDGE_POISON_THRESHOLD"
	EnvCacheSoftCap    = "TOOLBRIDGE_CACHE_SOFT_CAP"
	EnvCacheDB         = "TOOLBRIDGE_CACHE_DB"
)

// File is the on-disk shape of toolbridge.yaml.
type File struct {
	CallTimeout      string                  `yaml:"call_timeout,omitempty"`
	HandshakeTimeout string                  `yaml:"handshake_timeout,omitempty"`
	PoisonThreshold  *int                    `yaml:"poison_threshold,omitempty"`
	ValidateParams   bool                    `yaml:"validate_params,omitempty"`
	Cache            CacheSection            `yaml:"cache,omitempty"`
	Health           HealthSection           `yaml:"health,omitempty"`
	Servers          map[string]ServerConfig `yaml:"servers"`
}

// CacheSection configures the response cache.
type CacheSection struct {
	SoftCap int `yaml:"soft_cap,omitempty"`
	// DB is the path of the durable SQLite tier; empty keeps the cache in memory.
	DB string `yaml:"db,omitempty"`
}

// HealthSection configures the session health monitor.
type HealthSection struct {
	Schedule    string `yaml:"schedule,omitempty"`
	PingTimeout string `yaml:"ping_timeout,omitempty"`
}

// ServerConfig declares one provider.
type ServerConfig struct {
	Transport string            `yaml:"transport,omitempty"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Dir       string            `yaml:"dir,omitempty"`
	Target    string            `yaml:"target,omitempty"`
	Timeout   string            `yaml:"timeout,omitempty"`
	// Idempotent maps operation names to the parameters that identify a
	// result. An empty list means every parameter.
	Idempotent map[string][]string `yaml:"idempotent,omitempty"`
}

// Config is the resolved configuration.
type Config struct {
	Path              string
	Servers           []bridge.ServerDescriptor
	CallTimeout       time.Duration
	HandshakeTimeout  time.Duration
	PoisonThreshold   int
	ValidateParams    bool
	CacheSoftCap      int
	CacheDB           string
	HealthSchedule    string
	HealthPingTimeout time.Duration
}

// Discover resolves the config location with first-match semantics: the
// explicit path, then ./toolbridge.yaml, then ~/.toolbridge/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config: file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("config: checking %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and resolves the config file at path, then applies TOOLBRIDGE_*
// environment overrides.
func Load(path string) (Config, error) {
	// #nosec G304 -- path comes from explicit flag or config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: %q: %w", path, err)
	}
	cfg.Path = path
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse resolves a config document. Relative dirs and commands containing a
// path separator are resolved against baseDir.
func Parse(data []byte, baseDir string) (Config, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parsing yaml: %w", err)
	}

	cfg := Config{
		ValidateParams: file.ValidateParams,
		CacheSoftCap:   file.Cache.SoftCap,
		CacheDB:        expandPath(file.Cache.DB),
		HealthSchedule: strings.TrimSpace(file.Health.Schedule),
	}
	if file.PoisonThreshold != nil {
		cfg.PoisonThreshold = *file.PoisonThreshold
	}
	if cfg.CacheSoftCap < 0 {
		return Config{}, errors.New("cache.soft_cap must not be negative")
	}

	var err error
	if cfg.CallTimeout, err = parseDuration("call_timeout", file.CallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", file.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HealthPingTimeout, err = parseDuration("health.ping_timeout", file.Health.PingTimeout); err != nil {
		return Config{}, err
	}

	names := make([]string, 0, len(file.Servers))
	for name := range file.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		desc, err := toDescriptor(name, file.Servers[name], baseDir)
		if err != nil {
			return Config{}, err
		}
		cfg.Servers = append(cfg.Servers, desc)
	}
	return cfg, nil
}

func toDescriptor(name string, server ServerConfig, baseDir string) (bridge.ServerDescriptor, error) {
	transport, err := bridge.ParseTransportKind(expandEnvValue(server.Transport))
	if err != nil {
		return bridge.ServerDescriptor{}, fmt.Errorf("server %q: %w", name, err)
	}
	timeout, err := parseDuration(fmt.Sprintf("servers.%s.timeout", name), server.Timeout)
	if err != nil {
		return bridge.ServerDescriptor{}, err
	}

	command := strings.TrimSpace(expandEnvValue(server.Command))
	if strings.ContainsRune(command, filepath.Separator) {
		command = resolveConfigRelative(baseDir, command)
	}
	dir := strings.TrimSpace(expandEnvValue(server.Dir))
	if dir != "" {
		dir = resolveConfigRelative(baseDir, dir)
	}

	args := make([]string, 0, len(server.Args))
	for _, arg := range server.Args {
		args = append(args, expandEnvValue(arg))
	}

	var idempotent map[string]bridge.IdempotencyRule
	if len(server.Idempotent) > 0 {
		idempotent = make(map[string]bridge.IdempotencyRule, len(server.Idempotent))
		for op, keys := range server.Idempotent {
			idempotent[strings.TrimSpace(op)] = bridge.IdempotencyRule{KeyFields: keys}
		}
	}

	return bridge.ServerDescriptor{
		Name:       strings.TrimSpace(name),
		Transport:  transport,
		Command:    command,
		Args:       args,
		Env:        expandStringMap(server.Env),
		Dir:        dir,
		Target:     strings.TrimSpace(expandEnvValue(server.Target)),
		Idempotent: idempotent,
		Timeout:    timeout,
	}, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if value, ok := lookupNonEmpty(lookup, EnvCallTimeout); ok {
		d, err := parseDuration(EnvCallTimeout, value)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg.CallTimeout = d
	}
	if value, ok := lookupNonEmpty(lookup, EnvPoisonThreshold); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPoisonThreshold, err)
		}
		cfg.PoisonThreshold = n
	}
	if value, ok := lookupNonEmpty(lookup, EnvCacheSoftCap); ok {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("config: %s must be a non-negative integer, got %q", EnvCacheSoftCap, value)
		}
		cfg.CacheSoftCap = n
	}
	if value, ok := lookupNonEmpty(lookup, EnvCacheDB); ok {
		cfg.CacheDB = expandPath(value)
	}
	return nil
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	value, ok := lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

// Registry freezes the configured servers into a launch spec registry.
func (c Config) Registry() (*bridge.Registry, error) {
	return bridge.NewRegistry(c.Servers...)
}

// BridgeOptions builds bridge options from the config. When a cache database
// is configured the returned options own an open SQLite store, released by
// Bridge.Close.
func (c Config) BridgeOptions(logger *slog.Logger, observer bridge.Observer) (bridge.Options, error) {
	registry, err := c.Registry()
	if err != nil {
		return bridge.Options{}, err
	}
	opts := bridge.Options{
		Registry:         registry,
		Logger:           logger,
		Observer:         observer,
		CallTimeout:      c.CallTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		PoisonThreshold:  c.PoisonThreshold,
		CacheSoftCap:     c.CacheSoftCap,
		ValidateParams:   c.ValidateParams,
	}
	if c.CacheDB != "" {
		store, err := bridge.NewSQLiteResponseStore(c.CacheDB)
		if err != nil {
			return bridge.Options{}, err
		}
		opts.ResponseStore = store
	}
	return opts, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	clean := strings.TrimSpace(expandEnvValue(value))
	if clean == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(clean)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func expandPath(value string) string {
	clean := strings.TrimSpace(expandEnvValue(value))
	if clean == "~" || strings.HasPrefix(clean, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			clean = filepath.Join(home, strings.TrimPrefix(clean, "~"))
		}
	}
	return clean
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
