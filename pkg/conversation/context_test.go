package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func chatOf(alts ...*MessageAlternative) *RootChat {
	root := NewRootChat("")
	for i, a := range alts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		root.Messages = append(root.Messages, container(role, a))
	}
	return root
}

func messageContents(ctx *ApiReadyContext) []string {
	ret := []string{}
	for _, m := range ctx.ActiveMessages {
		ret = append(ret, m.Content)
	}
	return ret
}

func TestCreateChatContextCutoff(t *testing.T) {
	root := nestedChat()

	full := CreateChatContext(root)
	assert.Equal(t, []string{"hello", "a1", "b0", "c0", "after"}, messageContents(full))

	cut := CreateChatContext(root, WithCutoff(2))
	assert.Equal(t, []string{"hello", "a1", "b0"}, messageContents(cut))

	empty := CreateChatContext(root, WithCutoff(-1))
	assert.Empty(t, empty.ActiveMessages)
	assert.Empty(t, empty.ResolvedIntervals)
}

func TestCreateChatContextDoesNotAliasTree(t *testing.T) {
	root := chatOf(NewMessageAlternative("x", WithModelName("m")))
	root.UserValue["stats"] = map[string]any{"hp": 3}

	ctx := CreateChatContext(root)
	ctx.ActiveMessages[0].Meta.ModelName = "changed"
	ctx.ResolvedUserValue["stats"].(map[string]any)["hp"] = 0

	m, _ := root.Messages[0].ActiveMessage()
	assert.Equal(t, "m", m.Meta.ModelName)
	assert.Equal(t, 3, root.UserValue["stats"].(map[string]any)["hp"])
}

func TestCreateChatContextResolvesVariables(t *testing.T) {
	root := chatOf(
		NewMessageAlternative("a", WithVariableChanges(
			VariableChange{AccessChain: []string{"stats", "hp"}, Value: 10},
			VariableChange{AccessChain: []string{"inventory"}, Op: VariableOpAppend, Value: "sword"},
		)),
		NewMessageAlternative("b", WithVariableChanges(
			VariableChange{AccessChain: []string{"stats", "hp"}, Op: VariableOpIncrement, Value: -3},
			VariableChange{AccessChain: []string{"inventory"}, Op: VariableOpAppend, Value: "shield"},
		)),
		NewMessageAlternative("c", WithVariableChanges(
			VariableChange{AccessChain: []string{"stats"}, Op: VariableOpMerge, Value: map[string]any{"mp": 5}},
			VariableChange{AccessChain: []string{"mood"}, Op: VariableOpUnset},
			VariableChange{AccessChain: []string{"stats", "hp"}, Op: VariableOpAppend, Value: 1},
		)),
	)
	root.UserValue["mood"] = "calm"

	uv := CreateChatContext(root).ResolvedUserValue
	assert.Equal(t, map[string]any{
		"stats":     map[string]any{"hp": int64(7), "mp": 5},
		"inventory": []any{"sword", "shield"},
	}, uv)
	assert.Equal(t, "calm", root.UserValue["mood"])

	cut := CreateChatContext(root, WithCutoff(0)).ResolvedUserValue
	assert.Equal(t, map[string]any{
		"mood":      "calm",
		"stats":     map[string]any{"hp": 10},
		"inventory": []any{"sword"},
	}, cut)
}

func TestResolveIntervals(t *testing.T) {
	t.Run("end marker closes most recent matching interval", func(t *testing.T) {
		root := chatOf(
			NewMessageAlternative("0", WithAttachedIntervals(AttachedIntervalDef{ID: "outer", Type: "scene", EndCondition: IntervalEndCondition{Type: EndConditionAnchor}})),
			NewMessageAlternative("1", WithAttachedIntervals(AttachedIntervalDef{ID: "inner", Type: "scene", EndCondition: IntervalEndCondition{Type: EndConditionAnchor}})),
			NewMessageAlternative("2", WithEndMarker(AttachedEndMarkerDef{EndsIntervalByType: []string{"scene"}})),
			NewMessageAlternative("3"),
		)
		ivs := CreateChatContext(root).ResolvedIntervals
		require.Len(t, ivs, 1)
		assert.Equal(t, "inner", ivs[0].Def.ID)
		assert.Equal(t, IntervalRange{Start: 1, End: 2}, ivs[0].Range)
	})

	t.Run("length intervals", func(t *testing.T) {
		root := chatOf(
			NewMessageAlternative("0", WithAttachedIntervals(
				AttachedIntervalDef{ID: "two", Type: "t", EndCondition: IntervalEndCondition{Type: EndConditionLength, Value: intPtr(2)}},
				AttachedIntervalDef{ID: "leak", Type: "t", EndCondition: IntervalEndCondition{Type: EndConditionLength}},
				AttachedIntervalDef{ID: "trunc", Type: "t", EndCondition: IntervalEndCondition{Type: EndConditionLength}, OnUnmatchedEnd: UnmatchedEndTruncateAtLeaf},
				AttachedIntervalDef{ID: "drop", Type: "t", EndCondition: IntervalEndCondition{Type: EndConditionLength}, OnUnmatchedEnd: UnmatchedEndDiscard},
			)),
			NewMessageAlternative("1"),
			NewMessageAlternative("2"),
		)
		ivs := CreateChatContext(root).ResolvedIntervals
		byID := map[string]IntervalRange{}
		for _, iv := range ivs {
			byID[iv.Def.ID] = iv.Range
		}
		assert.Equal(t, map[string]IntervalRange{
			"two":   {Start: 0, End: 1},
			"leak":  {Start: 0, End: OpenEnd},
			"trunc": {Start: 0, End: 2},
		}, byID)
	})

	t.Run("activation conditions", func(t *testing.T) {
		root := chatOf(
			NewMessageAlternative("0", WithAttachedIntervals(
				AttachedIntervalDef{ID: "rel", EndCondition: IntervalEndCondition{Type: EndConditionLength, Value: intPtr(1)},
					ActivationCondition: &IntervalActivation{Type: ActivationRelativeIndex, Value: 2}},
				AttachedIntervalDef{ID: "next", EndCondition: IntervalEndCondition{Type: EndConditionLength, Value: intPtr(1)},
					ActivationCondition: &IntervalActivation{Type: ActivationNextMessageWithRole, Role: RoleAssistant}},
				AttachedIntervalDef{ID: "past", EndCondition: IntervalEndCondition{Type: EndConditionLength, Value: intPtr(1)},
					ActivationCondition: &IntervalActivation{Type: ActivationRelativeIndex, Value: 10}},
			)),
			NewMessageAlternative("1"),
			NewMessageAlternative("2"),
		)
		ivs := CreateChatContext(root).ResolvedIntervals
		require.Len(t, ivs, 2)
		byID := map[string]IntervalRange{}
		for _, iv := range ivs {
			byID[iv.Def.ID] = iv.Range
		}
		assert.Equal(t, IntervalRange{Start: 2, End: 2}, byID["rel"])
		assert.Equal(t, IntervalRange{Start: 1, End: 1}, byID["next"])
	})

	t.Run("unmatched anchor interval is dropped", func(t *testing.T) {
		root := chatOf(NewMessageAlternative("0", WithAttachedIntervals(
			AttachedIntervalDef{ID: "a", EndCondition: IntervalEndCondition{Type: EndConditionAnchor}})))
		assert.Empty(t, CreateChatContext(root).ResolvedIntervals)
	})
}

func TestHiddenIntervalsRemoveMessages(t *testing.T) {
	root := chatOf(
		NewMessageAlternative("0", WithAttachedIntervals(AttachedIntervalDef{
			ID: "mood", Type: "mood", EndCondition: IntervalEndCondition{Type: EndConditionLength, Value: intPtr(4)},
		})),
		NewMessageAlternative("1", WithAttachedIntervals(AttachedIntervalDef{
			ID: "h", Type: IntervalTypeHidden, EndCondition: IntervalEndCondition{Type: EndConditionLength, Value: intPtr(2)},
		})),
		NewMessageAlternative("2"),
		NewMessageAlternative("3"),
		NewMessageAlternative("4"),
	)
	ctx := CreateChatContext(root)
	assert.Equal(t, []string{"0", "3", "4"}, messageContents(ctx))
	require.Len(t, ctx.ResolvedIntervals, 1)
	assert.Equal(t, "mood", ctx.ResolvedIntervals[0].Def.ID)
	assert.Equal(t, IntervalRange{Start: 0, End: 1}, ctx.ResolvedIntervals[0].Range)
}

func TestIntervalRangeJSON(t *testing.T) {
	data, err := json.Marshal(IntervalRange{Start: 2, End: OpenEnd})
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":2,"end":null}`, string(data))

	var r IntervalRange
	require.NoError(t, json.Unmarshal([]byte(`{"start":1,"end":3}`), &r))
	assert.Equal(t, IntervalRange{Start: 1, End: 3}, r)
	require.NoError(t, json.Unmarshal(data, &r))
	assert.True(t, r.IsOpen())
}

func TestApplyVariableChangeErrors(t *testing.T) {
	target := map[string]any{"name": "x"}
	assert.Error(t, ApplyVariableChange(target, VariableChange{}))
	assert.Error(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"name", "first"}, Value: 1}))
	assert.Error(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"name"}, Op: VariableOpIncrement, Value: 1}))
	assert.Error(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"name"}, Op: "multiply", Value: 2}))
	assert.Equal(t, map[string]any{"name": "x"}, target)

	// rejected changes below missing objects do not create them
	assert.Error(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"stats", "hp"}, Op: VariableOpIncrement, Value: "lots"}))
	assert.Error(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"inventory", "bag", "items"}, Op: VariableOpMerge, Value: 3}))
	require.NoError(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"quest", "done"}, Op: VariableOpUnset}))
	assert.Equal(t, map[string]any{"name": "x"}, target)

	require.NoError(t, ApplyVariableChange(target, VariableChange{AccessChain: []string{"stats", "hp"}, Op: VariableOpIncrement, Value: 3}))
	assert.Equal(t, map[string]any{"name": "x", "stats": map[string]any{"hp": 3}}, target)
}
