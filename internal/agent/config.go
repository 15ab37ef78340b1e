package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Config is the logger configuration. Groups map group names to their
// logging rules; limits of zero mean no limit.
type Config struct {
	Database string                 `json:"database"`
	Groups   map[string]GroupConfig `json:"groups"`
}

// GroupConfig describes one logging group: the topic patterns it captures
// and its retention and rate limits.
type GroupConfig struct {
	Channels             []string `json:"channels"`
	Values               int      `json:"values"`
	ValuesTotal          int      `json:"values_total"`
	MinInterval          int      `json:"min_interval"`           // seconds
	MinUnchangedInterval int      `json:"min_unchanged_interval"` // seconds
}

// GroupNames returns the group names sorted lexicographically. This is
// the order groups are matched in; the first matching group wins.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Database == "" {
		return errors.New("database location should be specified in config")
	}
	for name, g := range cfg.Groups {
		if len(g.Channels) == 0 {
			return fmt.Errorf("group %q: no channels specified for group", name)
		}
		if g.Values < 0 {
			return fmt.Errorf("group %q: 'values' must be positive or zero", name)
		}
		if g.ValuesTotal < 0 {
			return fmt.Errorf("group %q: 'values_total' must be positive or zero", name)
		}
		if g.MinInterval < 0 {
			return fmt.Errorf("group %q: 'min_interval' must be positive or zero", name)
		}
		if g.MinUnchangedInterval < 0 {
			return fmt.Errorf("group %q: 'min_unchanged_interval' must be positive or zero", name)
		}
	}
	return nil
}
