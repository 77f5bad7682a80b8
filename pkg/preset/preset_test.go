package preset

import (
	"encoding/json"
	"testing"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prompt(name string, pos pipeline.Position, enabled bool) Prompt {
	return Prompt{ID: name, Name: name, Enabled: enabled, Role: conversation.RoleSystem, InjectPosition: pos, Content: name}
}

func TestNewPreset(t *testing.T) {
	p := New()
	assert.Equal(t, 0.7, p.GenerationParams.Temperature)
	assert.Equal(t, 4096, p.GenerationParams.MaxTokens)
	assert.True(t, p.GenerationParams.Stream)
	assert.Equal(t, 40960, p.MaxChatHistoryToken)
	require.Len(t, p.Variants, 1)
	assert.Equal(t, ".*", p.Variants[0].ModelRegex)
	require.Len(t, p.Variants[0].Prompts, 1)
	assert.Equal(t, pipeline.LocationBeforeChar, p.Variants[0].Prompts[0].InjectPosition.Location)
	assert.NotEqual(t, p.Variants[0].ID, New().Variants[0].ID)
}

func TestSeparatePrompts(t *testing.T) {
	groups := SeparatePrompts([]Prompt{
		prompt("d0", pipeline.AtDepth(0), true),
		prompt("before", pipeline.AtLocation(pipeline.LocationBeforeChar), true),
		prompt("template", pipeline.AtLocation(pipeline.LocationNone), true),
		prompt("d0-2", pipeline.AtDepth(0), true),
		prompt("disabled", pipeline.AtDepth(2), false),
		prompt("unset", pipeline.Position{}, true),
	})

	require.Len(t, groups.Numeric[0], 2)
	assert.Equal(t, "d0-2", groups.Numeric[0][1].Content)
	assert.NotContains(t, groups.Numeric, 2)
	assert.Equal(t, "before", groups.Named[pipeline.LocationBeforeChar][0].Content)
	require.Len(t, groups.Unspecified, 2)
	assert.Equal(t, "template", groups.Unspecified[0].Content)
	assert.Equal(t, "unset", groups.Unspecified[1].Content)
}

func TestSelectVariantByModel(t *testing.T) {
	p := &Preset{Name: "p", Variants: []Variant{
		{Name: "default", ModelRegex: "^$", Prompts: []Prompt{prompt("default", pipeline.AtDepth(0), true)}},
		{Name: "broken", ModelRegex: "(", Prompts: []Prompt{prompt("broken", pipeline.AtDepth(0), true)}},
		{Name: "gpt", ModelRegex: "gpt-4.*", Prompts: []Prompt{prompt("gpt", pipeline.AtDepth(0), true)}},
		{Name: "gpt-again", ModelRegex: "gpt", Prompts: []Prompt{prompt("gpt-again", pipeline.AtDepth(0), true)}},
	}}
	s, err := NewSelector(p)
	require.NoError(t, err)
	assert.Equal(t, "default", s.Prompts()[0].Name)

	v := s.SelectVariantByModel("GPT-4-turbo")
	require.NotNil(t, v)
	assert.Equal(t, "gpt", v.Name)
	assert.Equal(t, "gpt", s.Prompts()[0].Name)

	v = s.SelectVariantByModel("claude")
	assert.Equal(t, "default", v.Name)
	assert.Equal(t, "default", s.Prompts()[0].Name)
}

func TestSwitchPreset(t *testing.T) {
	a, b := New(), New()
	a.Name, b.Name = "a", "b"
	b.Variants = nil

	s, err := NewSelector(a, b)
	require.NoError(t, err)
	require.NoError(t, s.SwitchPreset("b"))
	assert.Equal(t, "b", s.Preset().Name)
	assert.Empty(t, s.Prompts())
	assert.Nil(t, s.SelectVariantByModel("x"))

	err = s.SwitchPreset("missing")
	assert.True(t, errors.Is(err, ErrPresetNotFound))
	assert.Equal(t, "b", s.Preset().Name)

	_, err = NewSelector()
	assert.Error(t, err)
}

func TestPresetJSON(t *testing.T) {
	var p Preset
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "x",
		"generationParams": {"temperature": 1, "stop": "END"},
		"variants": [{"id": "v", "modelRegex": ".*", "prompts": [
			{"id": "p", "enabled": true, "role": "user", "injectPosition": 2, "content": "c"},
			{"id": "q", "enabled": true, "role": "user", "injectPosition": "none", "content": "t"}
		]}]
	}`), &p))
	assert.Equal(t, Stop{"END"}, p.GenerationParams.Stop)
	assert.Equal(t, 2, *p.Variants[0].Prompts[0].InjectPosition.Depth)
	assert.True(t, p.Variants[0].Prompts[1].InjectPosition.IsNone())

	require.NoError(t, json.Unmarshal([]byte(`{"stop": ["a", "b"]}`), &p.GenerationParams))
	assert.Equal(t, Stop{"a", "b"}, p.GenerationParams.Stop)
	assert.Error(t, json.Unmarshal([]byte(`{"stop": 3}`), &p.GenerationParams))

	require.NoError(t, json.Unmarshal([]byte(`{"stop": null}`), &p.GenerationParams))
	assert.Nil(t, p.GenerationParams.Stop)
}
