// Package config loads parley's YAML configuration. Every section starts
// from its package defaults, so a file only needs the keys it changes.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"parley/backend"
	"parley/encoder"
	"parley/session"
	"parley/turn"
)

type Audio struct {
	Device string `yaml:"device"`
	Cues   bool   `yaml:"cues"`
}

type Config struct {
	Audio   Audio          `yaml:"audio"`
	Turn    turn.Config    `yaml:"turn"`
	Backend backend.Config `yaml:"backend"`
	Session session.Config `yaml:"session"`
}

func Default() *Config {
	return &Config{
		Audio:   Audio{Cues: true},
		Turn:    turn.DefaultConfig(),
		Backend: backend.DefaultConfig(),
		Session: session.DefaultConfig(),
	}
}

// Load reads the file at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
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

// LoadFromReader decodes YAML from r over the defaults and validates it.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Turn.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("turn: %w", err))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	switch c.Backend.Format {
	case "", encoder.FormatFLAC, encoder.FormatWAV:
	default:
		errs = append(errs, fmt.Errorf("backend.format %q is invalid; valid values: flac, wav", c.Backend.Format))
	}
	if c.Backend.Retries < 0 {
		errs = append(errs, errors.New("backend.retries must not be negative"))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}
	return errors.Join(errs...)
}
