package routing

import (
	"errors"
	"testing"

	"github.com/modelrelay/modelrelay/internal/providers"
)

func testTable(t *testing.T, rules []Rule) *Table {
	t.Helper()
	tb, err := NewTable(rules)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tb
}

func TestTable_ExactMatch(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "claude-sonnet-4", Stages: []Stage{
			{Provider: "bedrock", Variants: []providers.Variant{{Model: "us.anthropic.claude-sonnet-4", Region: "us-east-1"}}},
		}},
	})

	cands, err := tb.Resolve("claude-sonnet-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 1 || cands[0].Provider != "bedrock" {
		t.Errorf("unexpected candidates: %+v", cands)
	}
}

func TestTable_SubstringMatch(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "claude-sonnet-4", Stages: []Stage{
			{Provider: "bedrock", Variants: []providers.Variant{{Model: "sonnet"}}},
		}},
	})

	cands, err := tb.Resolve("claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cands[0].Variant.Model != "sonnet" {
		t.Errorf("substring rule not applied, got %+v", cands)
	}
}

func TestTable_LongestSubstringWins(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "claude", Stages: []Stage{
			{Provider: "anthropic", Variants: []providers.Variant{{Model: "generic"}}},
		}},
		{Alias: "claude-opus", Stages: []Stage{
			{Provider: "bedrock", Variants: []providers.Variant{{Model: "opus"}}},
		}},
	})

	cands, err := tb.Resolve("claude-opus-4-6")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cands[0].Variant.Model != "opus" {
		t.Errorf("expected the longer alias to win, got %+v", cands[0])
	}
}

func TestTable_EqualLengthTieGoesToFirstDeclared(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "son-a", Stages: []Stage{
			{Provider: "anthropic", Variants: []providers.Variant{{Model: "first"}}},
		}},
		{Alias: "son-b", Stages: []Stage{
			{Provider: "bedrock", Variants: []providers.Variant{{Model: "second"}}},
		}},
	})

	// Both aliases are substrings of the same length; resolution must be
	// stable across calls, not dependent on map iteration.
	for i := 0; i < 20; i++ {
		cands, err := tb.Resolve("model-son-a-son-b-v1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cands[0].Variant.Model != "first" {
			t.Fatalf("iteration %d: expected first-declared alias to win, got %+v", i, cands[0])
		}
	}
}

func TestTable_AliasesDeclarationOrder(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "zeta", Stages: []Stage{{Provider: "x", Variants: []providers.Variant{{Model: "m"}}}}},
		{Alias: "alpha", Stages: []Stage{{Provider: "x", Variants: []providers.Variant{{Model: "m"}}}}},
		{Alias: DefaultAlias, Stages: []Stage{{Provider: "x", Variants: []providers.Variant{{Model: "m"}}}}},
	})

	got := tb.Aliases()
	want := []string{"zeta", "alpha", DefaultAlias}
	if len(got) != len(want) {
		t.Fatalf("expected %d aliases, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alias %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestTable_DefaultFallback(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: DefaultAlias, Stages: []Stage{
			{Provider: "openrouter", Variants: []providers.Variant{{Model: "anthropic/claude-sonnet-4"}}},
		}},
	})

	cands, err := tb.Resolve("totally-unknown-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cands[0].Provider != "openrouter" {
		t.Errorf("expected default rule, got %+v", cands[0])
	}
}

func TestTable_UnknownModel(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "claude-sonnet-4", Stages: []Stage{
			{Provider: "bedrock", Variants: []providers.Variant{{Model: "sonnet"}}},
		}},
	})

	_, err := tb.Resolve("gpt-4o")
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestTable_EmptyRule(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "broken"},
	})

	_, err := tb.Resolve("broken")
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestTable_DuplicateAliasRejected(t *testing.T) {
	_, err := NewTable([]Rule{
		{Alias: "a", Stages: []Stage{{Provider: "x", Variants: []providers.Variant{{Model: "m"}}}}},
		{Alias: "a", Stages: []Stage{{Provider: "y", Variants: []providers.Variant{{Model: "m"}}}}},
	})
	if err == nil {
		t.Fatal("expected duplicate alias error")
	}
}

func TestTable_FlattenOrderProviderMajor(t *testing.T) {
	tb := testTable(t, []Rule{
		{Alias: "claude-sonnet-4", Stages: []Stage{
			{Provider: "bedrock", Variants: []providers.Variant{
				{Model: "sonnet", Region: "us-east-1"},
				{Model: "sonnet", Region: "eu-west-1"},
			}},
			{Provider: "openrouter", Variants: []providers.Variant{
				{Model: "anthropic/claude-sonnet-4"},
			}},
		}},
	})

	cands, err := tb.Resolve("claude-sonnet-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"bedrock/sonnet@us-east-1",
		"bedrock/sonnet@eu-west-1",
		"openrouter/anthropic/claude-sonnet-4",
	}
	if len(cands) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(cands))
	}
	for i, w := range want {
		if cands[i].Key() != w {
			t.Errorf("candidate %d: expected %q, got %q", i, w, cands[i].Key())
		}
	}
}
