// Package config is the file-backed Configuration/Roster Provider.
//
// The core consumes rules, the validator roster, and timing thresholds
// exclusively through the Provider interface; nothing in the coordination
// substrate embeds rosters or thresholds as literals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/skeinworks/skein/internal/types"
)

// ConfigFileName is the provider's entry-point file under the data root.
const ConfigFileName = "config.yaml"

// Provider supplies the active rule set, validator roster, and timing
// thresholds. Consumed read-only by the state machine engine and the
// validator pipeline.
type Provider interface {
	ActiveRules(role string) ([]Rule, error)
	ValidatorRoster() ([]ValidatorDescriptor, error)
	TimingConfig() (Timing, error)
	TransitionTables() (TransitionTables, error)
}

// Rule is one behavioral rule scoped to a role.
type Rule struct {
	ID   string `toml:"id"`
	Role string `toml:"role"` // empty means all roles
	Text string `toml:"text"`
}

// ValidatorDescriptor describes one roster member. Blocking has no default:
// the roster must set it explicitly for every validator.
type ValidatorDescriptor struct {
	ID             string     `yaml:"id"`
	Tier           types.Tier `yaml:"tier"`
	Blocking       *bool      `yaml:"blocking"`
	TriggerPattern string     `yaml:"trigger_pattern"` // specialized tier only
	Command        []string   `yaml:"command,omitempty"`
}

// IsBlocking returns the explicit blocking flag.
func (d *ValidatorDescriptor) IsBlocking() bool {
	return d.Blocking != nil && *d.Blocking
}

// Timing holds the configured durations and bounds.
type Timing struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	LockWait       time.Duration `mapstructure:"lock_wait"`
	MaxRounds      int           `mapstructure:"max_rounds"`
}

// FileProvider reads provider data from config.yaml, the roster document it
// references, and the transition-rules file.
type FileProvider struct {
	root   string
	v      *viper.Viper
	timing Timing
}

// Load reads config.yaml under the given root and returns a provider.
func Load(root string) (*FileProvider, error) {
	path := filepath.Join(root, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("provider config %s: %w", path, types.ErrNotFound)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading provider config: %w", err)
	}

	v.SetDefault("timing.stale_threshold", "30m")
	v.SetDefault("timing.lock_ttl", "5m")
	v.SetDefault("timing.lock_wait", "10s")
	v.SetDefault("timing.max_rounds", 3)
	v.SetDefault("roster_file", "validators.yaml")
	v.SetDefault("rules_file", "rules.toml")

	var timing Timing
	if err := v.UnmarshalKey("timing", &timing); err != nil {
		return nil, fmt.Errorf("parsing timing config: %w", err)
	}
	if timing.MaxRounds < 1 {
		return nil, fmt.Errorf("timing.max_rounds must be at least 1 (got %d)", timing.MaxRounds)
	}
	if timing.LockTTL <= 0 || timing.StaleThreshold <= 0 {
		return nil, fmt.Errorf("timing.lock_ttl and timing.stale_threshold must be positive")
	}

	return &FileProvider{root: root, v: v, timing: timing}, nil
}

// TimingConfig returns the configured thresholds.
func (p *FileProvider) TimingConfig() (Timing, error) {
	return p.timing, nil
}

func (p *FileProvider) resolve(key string) string {
	path := p.v.GetString(key)
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}
	return path
}
