package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/skeinworks/skein/internal/types"
)

type rosterDoc struct {
	Validators []ValidatorDescriptor `yaml:"validators"`
}

// ValidatorRoster reads and validates the roster document. Every entry must
// set blocking explicitly; the source material disagreed on a default, so the
// schema refuses to infer one.
func (p *FileProvider) ValidatorRoster() ([]ValidatorDescriptor, error) {
	path := p.resolve("roster_file")
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if err != nil {
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}

	var doc rosterDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}

	seen := make(map[string]bool, len(doc.Validators))
	for i := range doc.Validators {
		d := &doc.Validators[i]
		if d.ID == "" {
			return nil, fmt.Errorf("roster entry %d: id is required", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("roster entry %q: duplicate id", d.ID)
		}
		seen[d.ID] = true
		if !d.Tier.IsValid() {
			return nil, fmt.Errorf("roster entry %q: invalid tier %q", d.ID, d.Tier)
		}
		if d.Blocking == nil {
			return nil, fmt.Errorf("roster entry %q: blocking must be set explicitly", d.ID)
		}
		if d.Tier == types.TierSpecialized && d.TriggerPattern == "" {
			return nil, fmt.Errorf("roster entry %q: specialized validators require a trigger_pattern", d.ID)
		}
		if d.Tier != types.TierSpecialized && d.TriggerPattern != "" {
			return nil, fmt.Errorf("roster entry %q: trigger_pattern is only valid on the specialized tier", d.ID)
		}
	}
	return doc.Validators, nil
}
