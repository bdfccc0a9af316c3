// Package config loads YAML configuration files with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator is implemented by configs that check themselves after loading.
type Validator interface {
	Validate() error
}

// Load decodes filename into target, then each overlay in order on top of it.
// The base file must exist; overlays that do not exist are skipped. Keys that
// do not map to a field of T are rejected. target is validated once, after the
// last file has been applied.
func Load[T any](filename string, target *T, overlays ...string) error {
	if err := decodeFile(filename, target); err != nil {
		return err
	}
	for _, overlay := range overlays {
		if overlay == "" {
			continue
		}
		if _, err := os.Stat(overlay); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := decodeFile(overlay, target); err != nil {
			return err
		}
	}

	if validator, ok := any(target).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return nil
}

func decodeFile[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(Expand(string(data))))
	dec.KnownFields(true)
	// An empty document leaves target untouched.
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// Expand replaces $VAR and ${VAR} with their environment values.
// ${VAR:-fallback} yields fallback when VAR is unset or empty.
func Expand(s string) string {
	return os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasFallback {
			return v
		}
		return fallback
	})
}
