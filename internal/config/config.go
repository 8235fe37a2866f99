// Package config loads and saves the YAML rule configuration file:
// a version tag, a "global" section holding the default poll interval,
// and the list of rules. Grounded on
// original_source/kicker/config_store.py's ConfigStore, using
// gopkg.in/yaml.v3 as the codec the way
// colebrumley-srvrmgr/internal/config/loader.go does for its own
// (differently shaped) rule files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smprather/kicker/internal/model"
)

// wireGlobal mirrors the "global" section of the YAML document.
type wireGlobal struct {
	DefaultPollIntervalSeconds float64 `yaml:"default_poll_interval_seconds"`
}

// wireConfig mirrors the on-disk document shape, which nests the default
// poll interval under "global" rather than flattening it alongside
// "version" and "rules" the way model.RuleConfig does in memory.
type wireConfig struct {
	Version int          `yaml:"version"`
	Global  wireGlobal   `yaml:"global"`
	Rules   []model.Rule `yaml:"rules"`
}

func toWire(c model.RuleConfig) wireConfig {
	return wireConfig{
		Version: c.Version,
		Global:  wireGlobal{DefaultPollIntervalSeconds: c.DefaultPollIntervalSeconds},
		Rules:   c.Rules,
	}
}

func fromWire(w wireConfig) model.RuleConfig {
	version := w.Version
	if version == 0 {
		version = 1
	}
	defaultPoll := w.Global.DefaultPollIntervalSeconds
	if defaultPoll == 0 {
		defaultPoll = 60.0
	}
	return model.RuleConfig{
		Version:                    version,
		DefaultPollIntervalSeconds: defaultPoll,
		Rules:                      w.Rules,
	}
}

// Store reads and writes a model.RuleConfig at a fixed path.
type Store struct {
	Path string
}

// NewStore returns a Store backed by path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load parses the config file at s.Path, returning model.Empty() if it
// does not exist yet.
func (s *Store) Load() (model.RuleConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Empty(), nil
		}
		return model.RuleConfig{}, fmt.Errorf("reading config: %w", err)
	}

	if strings.TrimSpace(string(data)) == "" {
		return model.Empty(), nil
	}

	var wire wireConfig
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return model.RuleConfig{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg := fromWire(wire)
	if err := cfg.Validate(); err != nil {
		return model.RuleConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to s.Path as YAML, creating its parent directory if
// needed.
func (s *Store) Save(cfg model.RuleConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(toWire(cfg))
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// AddRule loads the config, appends rule (sorted by id), and saves it. It
// fails if rule.ID is already in use.
func (s *Store) AddRule(rule model.Rule) error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	for _, existing := range cfg.Rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule id already exists: %d", rule.ID)
		}
	}
	cfg.Rules = append(cfg.Rules, rule)
	sort.Slice(cfg.Rules, func(i, j int) bool { return cfg.Rules[i].ID < cfg.Rules[j].ID })
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config after add: %w", err)
	}
	return s.Save(cfg)
}

// RemoveRule removes the rule with the given id, returning false if no
// such rule existed.
func (s *Store) RemoveRule(ruleID int) (bool, error) {
	cfg, err := s.Load()
	if err != nil {
		return false, err
	}
	remaining := cfg.Rules[:0:0]
	found := false
	for _, r := range cfg.Rules {
		if r.ID == ruleID {
			found = true
			continue
		}
		remaining = append(remaining, r)
	}
	if !found {
		return false, nil
	}
	cfg.Rules = remaining
	return true, s.Save(cfg)
}
