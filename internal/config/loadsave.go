package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a settings file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from the file extension. Anything that is
// not .yaml/.yml is treated as JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// fileConfig mirrors Config with optional scalars so absent keys can be told
// apart from zero values.
type fileConfig struct {
	Ports           map[string]int          `json:"ports" yaml:"ports"`
	Hosts           map[string]string       `json:"hosts" yaml:"hosts"`
	AutoOpenBrowser *bool                   `json:"auto_open_browser" yaml:"auto_open_browser"`
	DefaultModel    *string                 `json:"default_model" yaml:"default_model"`
	LogLevel        *string                 `json:"log_level" yaml:"log_level"`
	Models          map[string]ModelProfile `json:"models" yaml:"models"`
}

// ErrTrailingData is returned when a JSON settings file holds anything
// after the top-level object.
var ErrTrailingData = errors.New("unexpected data after top-level object")

// Decode parses a settings document and layers it over Default. The result
// is not validated.
func Decode(data []byte, format Format) (*Config, error) {
	var fc fileConfig
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse json: %w", ErrTrailingData)
		}
	}

	cfg := Default()
	fc.apply(cfg)
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	for k, v := range fc.Ports {
		cfg.Ports[k] = v
	}
	for k, v := range fc.Hosts {
		cfg.Hosts[k] = v
	}
	// Older files name the dashboard "ui".
	if v, ok := fc.Ports[legacyServiceUI]; ok {
		if _, set := fc.Ports[ServiceUI]; !set {
			cfg.Ports[ServiceUI] = v
		}
		delete(cfg.Ports, legacyServiceUI)
	}
	if v, ok := fc.Hosts[legacyServiceUI]; ok {
		if _, set := fc.Hosts[ServiceUI]; !set {
			cfg.Hosts[ServiceUI] = v
		}
		delete(cfg.Hosts, legacyServiceUI)
	}

	if fc.AutoOpenBrowser != nil {
		cfg.AutoOpenBrowser = *fc.AutoOpenBrowser
	}
	if fc.DefaultModel != nil {
		cfg.DefaultModel = *fc.DefaultModel
	}
	if fc.LogLevel != nil {
		if lvl, err := ParseLogLevel(*fc.LogLevel); err == nil {
			cfg.LogLevel = lvl
		} else {
			// Kept as-is so Validate reports it.
			cfg.LogLevel = LogLevel(*fc.LogLevel)
		}
	}

	if len(fc.Models) > 0 {
		cfg.Models = make(map[string]ModelProfile, len(fc.Models))
		for k, v := range fc.Models {
			cfg.Models[k] = v
		}
	} else if cfg.DefaultModel != DefaultModelName {
		cfg.Models = map[string]ModelProfile{cfg.DefaultModel: DefaultModelProfile()}
	}
}

// Read decodes the file at path without validating it.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path, applies LOCALLM_* environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes cfg in the given format.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yaml.Marshal(cfg)
	}
	b, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	b, err := Marshal(cfg, FormatFor(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
