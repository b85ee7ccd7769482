// Package config loads the daemon's optional YAML configuration file.
//
// Everything in the file has a flag equivalent; flags win. Running without
// a config file is the normal case.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"offload/internal/protocol"
)

// Config is the daemon configuration.
type Config struct {
	// Socket is the unix-domain endpoint path.
	Socket string `yaml:"socket"`

	// Quiet suppresses the live status line.
	Quiet bool `yaml:"quiet"`

	// ExitOnIdle terminates the daemon once no builds are registered and
	// no tasks remain.
	ExitOnIdle bool `yaml:"exit_on_idle"`

	// EventLog, when set, appends one JSON record per lifecycle event to
	// the named file.
	EventLog string `yaml:"event_log"`

	// MaxParallel caps admission; 0 means the logical CPU count.
	MaxParallel int `yaml:"max_parallel"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{Socket: protocol.DefaultSocketPath()}
}

// Load reads and decodes path over the defaults. Unknown keys are errors:
// a typoed key silently doing nothing is worse than a failed start.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.Socket == "" {
		cfg.Socket = protocol.DefaultSocketPath()
	}
	return cfg, nil
}
