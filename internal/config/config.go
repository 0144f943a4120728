package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML config at path, merging any files listed under its
// top-level "include" key first (later files win). Defaults fill fields the
// files never set, then the result is validated.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	files, err := expandIncludes(abs, map[string]bool{})
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		tmp := viper.New()
		tmp.SetConfigFile(file)
		if err := tmp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := v.MergeConfigMap(tmp.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	set := make(keySet)
	flattenKeys("", v.AllSettings(), set)
	cfg.applyDefaults(set)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandIncludes returns the file list in merge order, included files before
// the file that named them. visiting doubles as the cycle guard.
func expandIncludes(path string, visiting map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if visiting[path] {
		return nil, fmt.Errorf("include cycle detected: %s", path)
	}
	visiting[path] = true
	defer delete(visiting, path)

	includes, err := includeList(path)
	if err != nil {
		return nil, fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	dir := filepath.Dir(path)
	var ordered []string
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		sub, err := expandIncludes(inc, visiting)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	return append(ordered, path), nil
}

func includeList(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

// flattenKeys records every dotted key path the files explicitly set, so
// defaulting can tell "absent" from "deliberately zero".
func flattenKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenKeys(next, v, dest)
		}
	case []any:
		dest.mark(prefix)
		for _, item := range val {
			flattenKeys(prefix, item, dest)
		}
	default:
		dest.mark(prefix)
	}
}
