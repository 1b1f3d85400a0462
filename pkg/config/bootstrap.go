package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileName is the config file name searched for in the user's home
// directory and the working directory.
const DefaultFileName = ".waka-relay.yaml"

const defaultConfigTemplate = `relay:
  host: 0.0.0.0
  port: 25892
  admin_address: 127.0.0.1:25893
  # Per-call timeout for outbound requests, in seconds.
  timeout: 25
  concurrency_limit: 25
  time_text: "%TEXT% (Relayed)"
  require_api_key: false
  api_key: ""
  debug: false
  # Ordered mapping of instance base URL to API key.
  # The first entry is the primary instance: its response is returned to
  # the caller. All other instances are mirrored in the background.
  instances:
    https://api.wakatime.com/api/v1: your-api-key-here

logging:
  level: info
`

// SearchPaths returns the candidate config file locations in priority order.
func SearchPaths() []string {
	paths := make([]string, 0, 2)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, DefaultFileName))
	}
	paths = append(paths, DefaultFileName)
	return paths
}

// FindFile returns the first existing config file from SearchPaths, or the
// first candidate path when none exists yet.
func FindFile() string {
	paths := SearchPaths()
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return paths[0]
}

// WriteDefault writes a commented default config file at path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}
