package config

const (
	DefaultOllamaPort = 11434
	DefaultAPIPort    = 8000
	DefaultUIPort     = 8501
	DefaultHost       = "localhost"
	DefaultModelName  = "mistral"
)

// DefaultModelProfile is used when a config file defines no models at all.
func DefaultModelProfile() ModelProfile {
	return ModelProfile{
		Temp:          0.7,
		MaxTokens:     2048,
		ContextWindow: 8192,
	}
}

// Default returns a complete, valid configuration.
func Default() *Config {
	return &Config{
		Ports: map[string]int{
			ServiceOllama: DefaultOllamaPort,
			ServiceAPI:    DefaultAPIPort,
			ServiceUI:     DefaultUIPort,
		},
		Hosts: map[string]string{
			ServiceOllama: DefaultHost,
			ServiceAPI:    DefaultHost,
			ServiceUI:     DefaultHost,
		},
		AutoOpenBrowser: true,
		DefaultModel:    DefaultModelName,
		LogLevel:        LevelInfo,
		Models: map[string]ModelProfile{
			DefaultModelName: DefaultModelProfile(),
		},
	}
}

// APIFallbackPorts are tried in order when the API port is taken.
var APIFallbackPorts = []int{8001, 8002, 8003, 8004, 8005}

// UIFallbackPorts are tried in order when the dashboard port is taken.
var UIFallbackPorts = []int{8502, 8503, 8504, 8505}
