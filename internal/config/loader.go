package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the live backends shipped with livegate. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		slog.Warn("provider.name is empty; the server will refuse to start")
	} else {
		validateProviderName(cfg.Provider.Name)
	}

	// Session
	s := cfg.Session
	if s.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.queue_size %d must not be negative", s.QueueSize))
	}
	if s.Overflow != "" && !s.Overflow.IsValid() {
		errs = append(errs, fmt.Errorf("session.overflow %q is invalid; valid values: drop_oldest, fail_fast", s.Overflow))
	}
	if s.ProbeInterval < 0 {
		errs = append(errs, fmt.Errorf("session.probe_interval %v must not be negative", s.ProbeInterval))
	}
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %v must not be negative", s.ConnectTimeout))
	}
	toolsSeen := make(map[string]int, len(s.Tools))
	for i, tool := range s.Tools {
		prefix := fmt.Sprintf("session.tools[%d]", i)
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := toolsSeen[tool.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of session.tools[%d]", prefix, tool.Name, prev))
		}
		toolsSeen[tool.Name] = i
	}
	if len(s.Tools) > 0 && s.ContextScope == "" {
		slog.Warn("session.context_scope is empty; proposed actions will be visible to every reviewer")
	}

	// Audio
	if cfg.Audio.CaptureSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d must not be negative", cfg.Audio.CaptureSampleRate))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; actions are kept in memory and transcripts are not persisted")
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
