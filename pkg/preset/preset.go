// Package preset holds generation presets: model parameters, regex rules and
// prompt variants selected by model name.
package preset

import (
	"bytes"
	"encoding/json"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Stop is a list of stop sequences. It decodes from a single string as well.
type Stop []string

func (s *Stop) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Stop{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "stop must be a string or a list of strings")
	}
	*s = many
	return nil
}

// JSONSchema accepts a string or a list of strings.
func (Stop) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

type GenerationParams struct {
	Temperature      float64            `json:"temperature" yaml:"temperature"`
	MaxTokens        int                `json:"max_tokens" yaml:"max_tokens"`
	Stream           bool               `json:"stream" yaml:"stream"`
	PresencePenalty  float64            `json:"presence_penalty" yaml:"presence_penalty"`
	FrequencyPenalty float64            `json:"frequency_penalty" yaml:"frequency_penalty"`
	TopP             float64            `json:"top_p" yaml:"top_p"`
	TopK             int                `json:"top_k" yaml:"top_k"`
	Stop             Stop               `json:"stop,omitempty" yaml:"stop,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty" yaml:"logit_bias,omitempty"`
}

type Prompt struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Role           conversation.Role `json:"role" yaml:"role"`
	InjectPosition pipeline.Position `json:"injectPosition" yaml:"injectPosition"`
	Content        string            `json:"content" yaml:"content"`
}

// Variant binds a prompt set to the models whose name matches ModelRegex.
type Variant struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	ModelRegex string   `json:"modelRegex" yaml:"modelRegex"`
	Prompts    []Prompt `json:"prompts" yaml:"prompts"`
}

type UserValue struct {
	InitialValue map[string]any `json:"initialValue" yaml:"initialValue"`
	Schema       []any          `json:"schema" yaml:"schema"`
	Value        map[string]any `json:"value" yaml:"value"`
}

type Preset struct {
	Name             string               `json:"name" yaml:"name" jsonschema:"required"`
	GenerationParams GenerationParams     `json:"generationParams" yaml:"generationParams"`
	Regex            []pipeline.RegexRule `json:"REGEX" yaml:"REGEX"`
	// NeedToBakeRegex rules are stamped onto generated messages.
	NeedToBakeRegex     []conversation.BakedRegex `json:"needToBakeRegex" yaml:"needToBakeRegex"`
	MaxChatHistoryToken int                       `json:"maxChatHistoryToken" yaml:"maxChatHistoryToken"`
	Variants            []Variant                 `json:"variants" yaml:"variants"`
	UserValue           UserValue                 `json:"userValue" yaml:"userValue"`
	// OnGenerate is a script body kept for compatibility with exported presets.
	// Generation always runs the built-in step sequence.
	OnGenerate string `json:"onGenerate,omitempty" yaml:"onGenerate,omitempty"`
}

// New returns the default preset: one catch-all variant with a system prompt
// placed before the character description.
func New() *Preset {
	return &Preset{
		Name: "New Preset",
		GenerationParams: GenerationParams{
			Temperature: 0.7,
			MaxTokens:   4096,
			Stream:      true,
			TopP:        0.9,
			TopK:        40,
		},
		Regex:               []pipeline.RegexRule{},
		NeedToBakeRegex:     []conversation.BakedRegex{},
		MaxChatHistoryToken: 40960,
		Variants: []Variant{
			{
				ID:         uuid.NewString(),
				Name:       "Default",
				ModelRegex: ".*",
				Prompts: []Prompt{
					{
						ID:             uuid.NewString(),
						Name:           "Main system prompt",
						Enabled:        true,
						Role:           conversation.RoleSystem,
						InjectPosition: pipeline.AtLocation(pipeline.LocationBeforeChar),
						Content:        "You are {{character.name}}.\n{{character.description}}",
					},
				},
			},
		},
		UserValue: UserValue{
			InitialValue: map[string]any{},
			Schema:       []any{},
			Value:        map[string]any{},
		},
	}
}

// Groups is the result of splitting prompts by their insert position.
type Groups struct {
	// Numeric prompts are injected at a depth.
	Numeric pipeline.DepthInjection
	// Named prompts are exposed to templates under their location name.
	Named map[string][]pipeline.Message
	// Unspecified prompts form the template itself.
	Unspecified []pipeline.Message
}

// SeparatePrompts groups the enabled prompts, keeping their order inside each group.
func SeparatePrompts(prompts []Prompt) Groups {
	ret := Groups{
		Numeric:     pipeline.DepthInjection{},
		Named:       map[string][]pipeline.Message{},
		Unspecified: []pipeline.Message{},
	}
	for _, p := range prompts {
		if !p.Enabled {
			continue
		}
		m := pipeline.Message{Role: p.Role, Content: p.Content}
		pos := p.InjectPosition
		switch {
		case pos.IsDepth():
			ret.Numeric[*pos.Depth] = append(ret.Numeric[*pos.Depth], m)
		case !pos.IsNone():
			ret.Named[pos.Location] = append(ret.Named[pos.Location], m)
		default:
			ret.Unspecified = append(ret.Unspecified, m)
		}
	}
	return ret
}
