package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgate/core/pkg/rules"
)

func match(id string, action rules.Action, priority int) rules.Match {
	return rules.Match{RuleID: id, StableKey: id, Name: id, Action: action, Priority: priority}
}

func TestResolveEmptyMeansAllow(t *testing.T) {
	res := NewResolver().Resolve(nil)
	assert.Equal(t, rules.ActionAllow, res.FinalAction)
	assert.Nil(t, res.Chosen)
	assert.Empty(t, res.Matched)
}

func TestBlockDominatesEverything(t *testing.T) {
	res := NewResolver().Resolve([]rules.Match{
		match("warn-high", rules.ActionWarn, 200),
		match("mask-mid", rules.ActionMask, 150),
		match("block-low", rules.ActionBlock, 10),
	})
	assert.Equal(t, rules.ActionBlock, res.FinalAction)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "block-low", res.Chosen.RuleID)
	assert.Len(t, res.Matched, 3)
}

func TestMaskBeatsWarnAndAllow(t *testing.T) {
	res := NewResolver().Resolve([]rules.Match{
		match("warn", rules.ActionWarn, 100),
		match("mask", rules.ActionMask, 50),
		match("allow", rules.ActionAllow, 10),
	})
	assert.Equal(t, rules.ActionMask, res.FinalAction)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "mask", res.Chosen.RuleID)
}

func TestHighestPriorityBlockWins(t *testing.T) {
	// Input arrives priority DESC, id ASC, as the store loads it.
	res := NewResolver().Resolve([]rules.Match{
		match("block-a", rules.ActionBlock, 100),
		match("block-b", rules.ActionBlock, 50),
	})
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "block-a", res.Chosen.RuleID)
}

func TestPriorityTieBreaksByInputOrder(t *testing.T) {
	res := NewResolver().Resolve([]rules.Match{
		match("mask-a", rules.ActionMask, 50),
		match("mask-b", rules.ActionMask, 50),
	})
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "mask-a", res.Chosen.RuleID)
}

func TestNoBlockNoMaskPicksFirstMatch(t *testing.T) {
	res := NewResolver().Resolve([]rules.Match{
		match("warn-top", rules.ActionWarn, 80),
		match("allow-low", rules.ActionAllow, 10),
	})
	assert.Equal(t, rules.ActionWarn, res.FinalAction)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "warn-top", res.Chosen.RuleID)
}
