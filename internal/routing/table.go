// Package routing implements the ordered-fallback routing engine: alias
// resolution, the flattened candidate list, the rate-limit blacklist, and
// the sequential attempt loop that walks candidates until one succeeds.
package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/providers"
)

var (
	// ErrUnknownModel is returned when an alias matches no routing rule and
	// no "default" rule exists. It surfaces as a client error, never as a
	// routing failure.
	ErrUnknownModel = errors.New("routing: unknown model alias")

	// ErrNoCandidates is returned when a rule resolves to an empty candidate
	// list (misconfiguration).
	ErrNoCandidates = errors.New("routing: rule has no candidates")
)

// DefaultAlias is the catch-all rule name consulted when nothing else matches.
const DefaultAlias = "default"

// Candidate is one concrete attempt target: a named backend plus the variant
// the adapter should invoke. Candidates are value types and safe to copy.
type Candidate struct {
	Provider string
	Variant  providers.Variant
}

// Key returns the stable identity used for blacklist entries and logs.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.Variant.ID()
}

// Stage is one provider entry inside a rule. Its variants are tried in
// declaration order before the next stage is considered (provider-major
// flattening).
type Stage struct {
	Provider string
	Variants []providers.Variant
}

// Rule maps one alias to an ordered provider sequence.
type Rule struct {
	Alias  string
	Stages []Stage
}

// Table is the immutable routing table built once at startup from config.
// All methods are safe for concurrent use.
type Table struct {
	rules map[string]Rule
	order []string // aliases in declaration order, for deterministic scans
}

// NewTable builds a Table from the given rules. Duplicate aliases are
// rejected; per-rule validation (non-empty stages/variants) happens at
// resolve time so a broken rule only fails the aliases that hit it.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		rules: make(map[string]Rule, len(rules)),
		order: make([]string, 0, len(rules)),
	}
	for _, r := range rules {
		if r.Alias == "" {
			return nil, fmt.Errorf("routing: rule with empty alias")
		}
		if _, dup := t.rules[r.Alias]; dup {
			return nil, fmt.Errorf("routing: duplicate alias %q", r.Alias)
		}
		t.rules[r.Alias] = r
		t.order = append(t.order, r.Alias)
	}
	return t, nil
}

// Aliases returns every configured alias in declaration order. Used by the
// models listing endpoint and the debug surface.
func (t *Table) Aliases() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Rule returns the rule matching model, walking the resolution chain:
// exact alias, then longest substring alias (a rule named "claude-sonnet-4"
// matches a request for "claude-sonnet-4-20250514"), then DefaultAlias.
func (t *Table) Rule(model string) (Rule, error) {
	if r, ok := t.rules[model]; ok {
		return r, nil
	}

	// Longest substring match; ties go to the alias declared first, so
	// resolution is deterministic when several rule names occur inside the
	// requested model string.
	best := ""
	for _, alias := range t.order {
		if alias == DefaultAlias {
			continue
		}
		if strings.Contains(model, alias) && len(alias) > len(best) {
			best = alias
		}
	}
	if best != "" {
		return t.rules[best], nil
	}

	if r, ok := t.rules[DefaultAlias]; ok {
		return r, nil
	}
	return Rule{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// Resolve flattens the rule matching model into the ordered candidate list
// the router walks. The list is rebuilt per call so callers may not mutate
// shared state through it.
func (t *Table) Resolve(model string) ([]Candidate, error) {
	rule, err := t.Rule(model)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, st := range rule.Stages {
		for _, v := range st.Variants {
			out = append(out, Candidate{Provider: st.Provider, Variant: v})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: alias %q", ErrNoCandidates, rule.Alias)
	}
	return out, nil
}
