package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/engage/internal/config"
)

// InitOptions override individual defaults in the generated file.
type InitOptions struct {
	Backend    string
	SQLitePath string
	Force      bool
}

// InitConfigFile writes a config file holding the defaults plus opts.
// An existing file is left alone unless opts.Force is set.
func InitConfigFile(path string, opts InitOptions) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config file path required")
	}
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return fmt.Errorf("config file %s already exists", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config file: %w", err)
	}

	var buf bytes.Buffer
	if err := config.WriteDefaults(&buf); err != nil {
		return err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		return fmt.Errorf("parse defaults: %w", err)
	}
	store, _ := doc["store"].(map[string]any)
	if store == nil {
		store = map[string]any{}
		doc["store"] = store
	}
	if opts.Backend != "" {
		store["backend"] = opts.Backend
	}
	if opts.SQLitePath != "" {
		store["sqlite_path"] = opts.SQLitePath
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
