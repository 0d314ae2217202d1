package server

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the chat server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	ListenAddr string `toml:"listen_addr"`

	// Upstream OpenAI-compatible endpoint base URL
	// (e.g., "http://localhost:8000/v1" for a local vLLM server)
	UpstreamURL string `toml:"upstream_url"`

	// Bearer token sent to the upstream. Local vLLM servers accept
	// any placeholder.
	APIKey string `toml:"api_key"`

	// Model name to request from the upstream.
	Model string `toml:"model"`

	// DBPath is the path to the SQLite database file. Empty selects
	// the in-memory store.
	DBPath string `toml:"db_path"`

	// Streaming selects streaming ingestion; when false, generations
	// use a single non-streaming completion request.
	Streaming bool `toml:"streaming"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// Defaults seed the settings snapshot of new conversations. They
	// are hot-reloaded when the config file changes.
	Defaults Defaults `toml:"defaults"`
}

// Defaults are the generation settings applied to conversations that
// don't specify their own.
type Defaults struct {
	SystemPrompt    string   `toml:"system_prompt"`
	Temperature     *float64 `toml:"temperature"`
	ReasoningEffort string   `toml:"reasoning_effort"`
}

// DefaultConfig returns the configuration used when no config file is
// given.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":8080",
		UpstreamURL: "http://localhost:8000/v1",
		APIKey:      "EMPTY",
		Model:       "default",
		Streaming:   true,
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); err != nil {
		return config, fmt.Errorf("config file %s: %w", path, err)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}

	return config, nil
}
