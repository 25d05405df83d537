package configutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// LocalName returns the path of the local override for a config file,
// ex. `lmsfetch.json5` -> `lmsfetch.local.json5`.
func LocalName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".local" + ext
}

func readInto[T any](path string, out *T) (bool, error) {
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(contents) == 0 {
		return false, nil
	}
	err = json5.Unmarshal(contents, out)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// ReadConfig reads a json5 configuration file and merges, from lowest to highest priority:
// 1. defaults
// 2. <name>.<ext>
// 3. <name>.local.<ext>
//
// Missing files are not an error, a run with no config at all just gets the defaults.
func ReadConfig[T any](name string, defaults T) (T, error) {
	var out T

	found, err := readInto(name, &out)
	if err != nil {
		return defaults, err
	}

	localPath := LocalName(name)
	var override T
	foundLocal, err := readInto(localPath, &override)
	if err != nil {
		return defaults, err
	}
	if foundLocal {
		err = mergo.Merge(&out, override, mergo.WithOverride)
		if err != nil {
			return defaults, err
		}
		slog.Debug("merging config with local overrides", "local", localPath)
	}

	err = mergo.Merge(&out, defaults)
	if err != nil {
		return defaults, err
	}
	if !found && !foundLocal {
		slog.Debug("no config file found, using defaults", "name", name)
	}
	return out, nil
}
