package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays LOCALLM_* environment variables on cfg:
//
//	LOCALLM_DEFAULT_MODEL
//	LOCALLM_LOG_LEVEL
//	LOCALLM_AUTO_OPEN_BROWSER
//	LOCALLM_<SERVICE>_PORT, LOCALLM_<SERVICE>_HOST  (OLLAMA, API, STREAMLIT)
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup("LOCALLM_DEFAULT_MODEL"); ok && v != "" {
		cfg.DefaultModel = v
	}
	if v, ok := lookup("LOCALLM_LOG_LEVEL"); ok && v != "" {
		lvl, err := ParseLogLevel(v)
		if err != nil {
			return fmt.Errorf("LOCALLM_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if v, ok := lookup("LOCALLM_AUTO_OPEN_BROWSER"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOCALLM_AUTO_OPEN_BROWSER: %w", err)
		}
		cfg.AutoOpenBrowser = b
	}

	for _, svc := range Services {
		prefix := "LOCALLM_" + strings.ToUpper(svc)
		if v, ok := lookup(prefix + "_PORT"); ok && v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s_PORT: %w", prefix, err)
			}
			cfg.SetPort(svc, port)
		}
		if v, ok := lookup(prefix + "_HOST"); ok && v != "" {
			if cfg.Hosts == nil {
				cfg.Hosts = map[string]string{}
			}
			cfg.Hosts[svc] = v
		}
	}
	return nil
}
