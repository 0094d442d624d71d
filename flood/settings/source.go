package settings

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/bluesky-social/floodgate/flood/platform"
	"gopkg.in/yaml.v3"
)

// Yields a validated config snapshot. Implementations re-read on every call, so a settings change applies to the next decision.
type Source interface {
	Load(ctx context.Context) (*Config, error)
}

// Fixed config, mostly for tests and the CLI.
type StaticSource struct {
	Config Config
}

func (s StaticSource) Load(ctx context.Context) (*Config, error) {
	c := s.Config
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Reads a YAML settings file on every Load.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (*Config, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	return ParseYAML(b)
}

// On-disk layout. Pointers so that a missing key can be told apart from a zero value.
type fileConfig struct {
	QuotaAmount        *float64 `yaml:"quotaAmount"`
	QuotaPeriodHours   *float64 `yaml:"quotaPeriodHours"`
	IgnoreModerators   *bool    `yaml:"ignoreModerators"`
	IgnoreContributors *bool    `yaml:"ignoreContributors"`
	IgnoreAutoRemoved  *bool    `yaml:"ignoreAutoRemoved"`
	IgnoreRemoved      *bool    `yaml:"ignoreRemoved"`
	IgnoreDeleted      *bool    `yaml:"ignoreDeleted"`
	AutomatedAccount   string   `yaml:"automatedAccount"`
	Removal            Removal  `yaml:"removal"`
}

// Parses and validates a settings document. Quota fields and all the ignore flags are required.
func ParseYAML(b []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}

	if fc.QuotaAmount == nil {
		return nil, &ConfigError{Key: "quotaAmount", Value: nil}
	}
	amount := *fc.QuotaAmount
	if amount < 1 || amount != math.Trunc(amount) || amount > math.MaxInt32 {
		return nil, &ConfigError{Key: "quotaAmount", Value: amount}
	}
	if fc.QuotaPeriodHours == nil {
		return nil, &ConfigError{Key: "quotaPeriodHours", Value: nil}
	}

	flags := []struct {
		key string
		val *bool
	}{
		{"ignoreModerators", fc.IgnoreModerators},
		{"ignoreContributors", fc.IgnoreContributors},
		{"ignoreAutoRemoved", fc.IgnoreAutoRemoved},
		{"ignoreRemoved", fc.IgnoreRemoved},
		{"ignoreDeleted", fc.IgnoreDeleted},
	}
	for _, f := range flags {
		if f.val == nil {
			return nil, &ConfigError{Key: f.key, Value: nil}
		}
	}

	c := Config{
		QuotaAmount:        int(amount),
		QuotaPeriodHours:   *fc.QuotaPeriodHours,
		IgnoreModerators:   *fc.IgnoreModerators,
		IgnoreContributors: *fc.IgnoreContributors,
		IgnoreAutoRemoved:  *fc.IgnoreAutoRemoved,
		IgnoreRemoved:      *fc.IgnoreRemoved,
		IgnoreDeleted:      *fc.IgnoreDeleted,
		AutomatedAccount:   fc.AutomatedAccount,
		Removal:            fc.Removal,
	}
	if c.AutomatedAccount == "" {
		c.AutomatedAccount = DefaultAutomatedAccount
	}
	if c.Removal.Flair != nil && *c.Removal.Flair == (platform.FlairOptions{}) {
		c.Removal.Flair = nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
