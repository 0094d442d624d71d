package settings

import (
	"fmt"
	"math"
	"time"

	"github.com/bluesky-social/floodgate/flood/platform"
)

// Upper bound on the quota period, in hours (31 days). Also the janitor's sweep window when no per-deployment period is known.
const MaxQuotaPeriodHours = 744

const (
	DefaultQuotaAmount      = 4
	DefaultQuotaPeriodHours = 24
	DefaultAutomatedAccount = "AutoModerator"
)

// Returned when a setting is missing or out of range. Fatal to an evaluation: nothing should be written once this is seen.
type ConfigError struct {
	Key   string
	Value any
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid setting %s: unexpected value %v", e.Key, e.Value)
}

// What to do with an item removed for exceeding the quota. Every field is optional.
type Removal struct {
	ReasonID string `yaml:"reasonId" json:"reasonId,omitempty"`
	// posted verbatim as a sticky reply; empty removes silently
	Comment string                 `yaml:"comment" json:"comment,omitempty"`
	Flair   *platform.FlairOptions `yaml:"flair" json:"flair,omitempty"`
	Lock    bool                   `yaml:"lock" json:"lock,omitempty"`
}

// Snapshot of the quota settings for one decision. Treat as immutable once loaded.
type Config struct {
	QuotaAmount      int     `json:"quotaAmount"`
	QuotaPeriodHours float64 `json:"quotaPeriodHours"`

	IgnoreModerators   bool `json:"ignoreModerators"`
	IgnoreContributors bool `json:"ignoreContributors"`
	IgnoreAutoRemoved  bool `json:"ignoreAutoRemoved"`
	IgnoreRemoved      bool `json:"ignoreRemoved"`
	IgnoreDeleted      bool `json:"ignoreDeleted"`

	// account name of the platform's automated moderator; compared case-insensitively
	AutomatedAccount string `json:"automatedAccount"`

	Removal Removal `json:"removal"`
}

func DefaultConfig() Config {
	return Config{
		QuotaAmount:        DefaultQuotaAmount,
		QuotaPeriodHours:   DefaultQuotaPeriodHours,
		IgnoreModerators:   true,
		IgnoreContributors: false,
		IgnoreAutoRemoved:  true,
		IgnoreRemoved:      false,
		IgnoreDeleted:      false,
		AutomatedAccount:   DefaultAutomatedAccount,
	}
}

func (c *Config) Validate() error {
	if c.QuotaAmount < 1 {
		return &ConfigError{Key: "quotaAmount", Value: c.QuotaAmount}
	}
	if math.IsNaN(c.QuotaPeriodHours) || c.QuotaPeriodHours <= 0 || c.QuotaPeriodHours > MaxQuotaPeriodHours {
		return &ConfigError{Key: "quotaPeriodHours", Value: c.QuotaPeriodHours}
	}
	if c.AutomatedAccount == "" {
		return &ConfigError{Key: "automatedAccount", Value: c.AutomatedAccount}
	}
	return nil
}

func (c *Config) Period() time.Duration {
	return time.Duration(c.QuotaPeriodHours * float64(time.Hour))
}

// True if any per-item exclusion policy is enabled. When false, classification never needs item or action-time lookups.
func (c *Config) IgnoresAnyRemovals() bool {
	return c.IgnoreAutoRemoved || c.IgnoreRemoved || c.IgnoreDeleted
}
