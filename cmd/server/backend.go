package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"realtime.ai/internal/config"
	"realtime.ai/internal/persistence/indexdb"
	"realtime.ai/internal/persistence/kv"
)

// openBackend opens the settings store. An empty path puts the file under dataDir.
func openBackend(kind, path, dataDir string) (kv.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "yaml":
		if strings.TrimSpace(path) == "" {
			path = filepath.Join(dataDir, "config.yml")
		}
		return kv.OpenYAML(path, config.DefaultsYAML)
	case "sqlite":
		if strings.TrimSpace(path) == "" {
			path = filepath.Join(dataDir, "config.sqlite")
		}
		return kv.OpenSQLite(path, config.DefaultsYAML)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// openIndex returns nil when the history index is turned off.
func openIndex(dataDir string, disable bool, backend string) (*indexdb.SQLiteIndex, error) {
	if disable {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "history.sqlite"))
	case "none", "off", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported RT_INDEX_BACKEND: %s", backend)
	}
}
