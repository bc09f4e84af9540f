package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TransitionSpec is one row of a transition table: (from, event) -> to, with
// named guards and an optional named action resolved from the engine's
// registry at apply time.
type TransitionSpec struct {
	From   string   `toml:"from"`
	Event  string   `toml:"event"`
	To     string   `toml:"to"`
	Guards []string `toml:"guards,omitempty"`
	Action string   `toml:"action,omitempty"`
}

// TransitionTables holds the task and QA transition tables.
type TransitionTables struct {
	Task []TransitionSpec `toml:"task_transition"`
	QA   []TransitionSpec `toml:"qa_transition"`
}

type rulesDoc struct {
	Rules           []Rule           `toml:"rule"`
	TaskTransitions []TransitionSpec `toml:"task_transition"`
	QATransitions   []TransitionSpec `toml:"qa_transition"`
}

func (p *FileProvider) readRules() (*rulesDoc, error) {
	path := p.resolve("rules_file")
	data, err := os.ReadFile(path) // #nosec G304 - controlled path from config
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}
	var doc rulesDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	return &doc, nil
}

// ActiveRules returns the rules scoped to the given role, plus unscoped rules.
func (p *FileProvider) ActiveRules(role string) ([]Rule, error) {
	doc, err := p.readRules()
	if err != nil {
		return nil, err
	}
	var rules []Rule
	for _, r := range doc.Rules {
		if r.Role == "" || r.Role == role {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// TransitionTables returns the configured task and QA transition tables.
func (p *FileProvider) TransitionTables() (TransitionTables, error) {
	doc, err := p.readRules()
	if err != nil {
		return TransitionTables{}, err
	}
	tables := TransitionTables{Task: doc.TaskTransitions, QA: doc.QATransitions}
	for _, spec := range append(append([]TransitionSpec{}, tables.Task...), tables.QA...) {
		if spec.From == "" || spec.Event == "" || spec.To == "" {
			return TransitionTables{}, fmt.Errorf("transition (%q, %q) -> %q: from, event, and to are all required",
				spec.From, spec.Event, spec.To)
		}
	}
	return tables, nil
}
