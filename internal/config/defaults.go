package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigYAML = `# skein provider configuration
timing:
  stale_threshold: 30m
  lock_ttl: 5m
  lock_wait: 10s
  max_rounds: 3
roster_file: validators.yaml
rules_file: rules.toml
`

const defaultRosterYAML = `validators:
  - id: build
    tier: global
    blocking: true
  - id: tests
    tier: global
    blocking: true
  - id: security
    tier: critical
    blocking: true
  - id: docs
    tier: specialized
    blocking: false
    trigger_pattern: "*.md"
`

const defaultRulesTOML = `[[rule]]
id = "one-task-at-a-time"
role = "implementer"
text = "Hold at most one wip claim per session."

[[task_transition]]
from = "todo"
event = "claim"
to = "wip"
guards = ["unclaimed"]
action = "record-claim"

# A rejected task returns to wip unowned; the next implementer re-claims it.
[[task_transition]]
from = "wip"
event = "claim"
to = "wip"
guards = ["unclaimed"]
action = "record-claim"

[[task_transition]]
from = "wip"
event = "block"
to = "blocked"
guards = ["owned-by-caller"]
action = "clear-claim"

[[task_transition]]
from = "blocked"
event = "unblock"
to = "wip"
guards = ["unclaimed"]
action = "record-claim"

[[task_transition]]
from = "wip"
event = "reclaim"
to = "todo"
action = "clear-claim"

[[task_transition]]
from = "wip"
event = "complete"
to = "done"
guards = ["owned-by-caller"]
action = "clear-claim"

[[task_transition]]
from = "done"
event = "reject"
to = "wip"
action = "advance-round"

[[task_transition]]
from = "done"
event = "validate"
to = "validated"
guards = ["all-blocking-approved"]

[[qa_transition]]
from = "waiting"
event = "ready"
to = "todo"

[[qa_transition]]
from = "todo"
event = "claim"
to = "wip"

[[qa_transition]]
from = "wip"
event = "complete"
to = "done"

[[qa_transition]]
from = "done"
event = "reject"
to = "todo"

[[qa_transition]]
from = "done"
event = "validate"
to = "validated"
guards = ["all-blocking-approved"]
`

// WriteDefaults seeds a data root with the default provider files. Existing
// files are left alone.
func WriteDefaults(root string) error {
	files := map[string]string{
		ConfigFileName:    defaultConfigYAML,
		"validators.yaml": defaultRosterYAML,
		"rules.toml":      defaultRulesTOML,
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
