// Package config defines the locallm settings file: where each service
// listens, which model is the default and the inference parameters of
// every known model.
package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Service names as they appear under "ports" and "hosts".
const (
	ServiceOllama = "ollama"
	ServiceAPI    = "api"
	ServiceUI     = "streamlit"

	// legacyServiceUI is the older key for the dashboard endpoint.
	legacyServiceUI = "ui"
)

// Services lists the endpoints every config must define, in start order.
var Services = []string{ServiceOllama, ServiceAPI, ServiceUI}

// ErrUnknownService is returned when an endpoint is requested for a service
// that has no port or host configured.
var ErrUnknownService = errors.New("unknown service")

// ModelProfile holds the inference parameters for one model.
type ModelProfile struct {
	// Temp is the sampling temperature (>= 0, conventionally 0..2).
	Temp float64 `json:"temp" yaml:"temp" validate:"finite,gte=0"`

	// MaxTokens caps the generated length.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" validate:"gt=0"`

	// ContextWindow is the context size sent to Ollama as num_ctx.
	ContextWindow int `json:"context_window" yaml:"context_window" validate:"gt=0"`
}

// Config is the in-memory form of config.json.
type Config struct {
	Ports           map[string]int          `json:"ports" yaml:"ports" validate:"dive,port"`
	Hosts           map[string]string       `json:"hosts" yaml:"hosts"`
	AutoOpenBrowser bool                    `json:"auto_open_browser" yaml:"auto_open_browser"`
	DefaultModel    string                  `json:"default_model" yaml:"default_model" validate:"required"`
	LogLevel        LogLevel                `json:"log_level" yaml:"log_level" validate:"loglevel"`
	Models          map[string]ModelProfile `json:"models" yaml:"models" validate:"min=1,dive"`
}

// Endpoint is where a named service listens.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the plain-HTTP base URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + e.Addr()
}

// Endpoint returns the host/port pair for service.
func (c *Config) Endpoint(service string) (Endpoint, error) {
	port, okPort := c.Ports[service]
	host, okHost := c.Hosts[service]
	if !okPort || !okHost {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// SetPort records the port a service actually bound to.
func (c *Config) SetPort(service string, port int) {
	if c.Ports == nil {
		c.Ports = map[string]int{}
	}
	c.Ports[service] = port
}

// Profile looks up the inference parameters for model. "name" and
// "name:latest" are treated as the same model.
func (c *Config) Profile(model string) (ModelProfile, bool) {
	if p, ok := c.Models[model]; ok {
		return p, true
	}
	if base, ok := strings.CutSuffix(model, ":latest"); ok {
		p, ok := c.Models[base]
		return p, ok
	}
	if !strings.Contains(model, ":") {
		p, ok := c.Models[model+":latest"]
		return p, ok
	}
	return ModelProfile{}, false
}

// DefaultProfile returns the profile of the default model.
func (c *Config) DefaultProfile() (ModelProfile, bool) {
	return c.Profile(c.DefaultModel)
}

// ModelNames returns the configured model identifiers, sorted.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy, so callers can hand out a snapshot without
// sharing the maps.
func (c *Config) Clone() *Config {
	out := *c
	out.Ports = make(map[string]int, len(c.Ports))
	for k, v := range c.Ports {
		out.Ports[k] = v
	}
	out.Hosts = make(map[string]string, len(c.Hosts))
	for k, v := range c.Hosts {
		out.Hosts[k] = v
	}
	out.Models = make(map[string]ModelProfile, len(c.Models))
	for k, v := range c.Models {
		out.Models[k] = v
	}
	return &out
}
