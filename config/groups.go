package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SymbolGroup assigns a set of symbols to one realtime registration group.
// The broker accepts multiple registrations per connection, each under its
// own group number, which keeps subscription frames small and lets symbols
// be re-registered per group after a reconnect.
type SymbolGroup struct {
	GroupNo string   `yaml:"group_no"`
	Symbols []string `yaml:"symbols"`
}

// SymbolGroups is the full realtime registration layout.
type SymbolGroups struct {
	Groups []SymbolGroup `yaml:"groups"`
}

// LoadSymbolGroups loads the registration layout from the given path. A
// missing file is not an error: callers fall back to registering every feed
// symbol under the default group.
func LoadSymbolGroups(path string) (*SymbolGroups, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read symbol group file: %w", err)
	}

	var cfg SymbolGroups
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse symbol group file: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Groups))
	for i, group := range cfg.Groups {
		if group.GroupNo == "" {
			return nil, fmt.Errorf("symbol group %d has no group_no", i)
		}
		if _, dup := seen[group.GroupNo]; dup {
			return nil, fmt.Errorf("symbol group %q is defined twice", group.GroupNo)
		}
		seen[group.GroupNo] = struct{}{}
		if len(group.Symbols) == 0 {
			return nil, fmt.Errorf("symbol group %q has no symbols", group.GroupNo)
		}
	}

	return &cfg, nil
}
