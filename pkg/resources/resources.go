// Package resources loads the character, lorebook, preset, setting and model
// configuration files a generation is assembled from.
package resources

import (
	"strings"
	"time"

	"github.com/go-go-golems/loom/pkg/lorebook"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/google/uuid"
)

type Type string

const (
	TypeCharacter   Type = "character"
	TypeLorebook    Type = "lorebook"
	TypePreset      Type = "preset"
	TypeSetting     Type = "setting"
	TypeModelConfig Type = "modelConfig"
	TypeChat        Type = "chat"
)

var Types = []Type{TypeCharacter, TypeLorebook, TypePreset, TypeSetting, TypeModelConfig, TypeChat}

// Resource is a decoded file together with the path it was loaded from.
type Resource[T any] struct {
	Path    string `json:"path"`
	Content T      `json:"content"`
}

type Character struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name" jsonschema:"required"`
	Description string `json:"description" yaml:"description"`

	Regex []pipeline.RegexRule `json:"REGEX" yaml:"REGEX"`
	Tools []string             `json:"tools" yaml:"tools"`

	Creator                  string            `json:"creator" yaml:"creator"`
	CharacterVersion         string            `json:"character_version" yaml:"character_version"`
	CreatorNotes             string            `json:"creator_notes" yaml:"creator_notes"`
	CreatorNotesMultilingual map[string]string `json:"creator_notes_multilingual,omitempty" yaml:"creator_notes_multilingual,omitempty"`
	Source                   []string          `json:"source" yaml:"source"`

	FirstMessage            string `json:"first_mes,omitempty" yaml:"first_mes,omitempty"`
	MesExample              string `json:"mes_example" yaml:"mes_example"`
	SystemPrompt            string `json:"system_prompt" yaml:"system_prompt"`
	PostHistoryInstructions string `json:"post_history_instructions" yaml:"post_history_instructions"`
	Personality             string `json:"personality" yaml:"personality"`
	Scenario                string `json:"scenario" yaml:"scenario"`

	// CreationDate is a unix timestamp in seconds.
	CreationDate int64          `json:"creation_date" yaml:"creation_date"`
	Extensions   map[string]any `json:"extensions" yaml:"extensions"`
}

func NewCharacter() *Character {
	return &Character{
		ID:               uuid.NewString(),
		Name:             "New Character",
		CharacterVersion: "1.0",
		Regex:            []pipeline.RegexRule{},
		Tools:            []string{},
		Source:           []string{},
		CreationDate:     time.Now().Unix(),
		Extensions:       map[string]any{},
	}
}

type Vectorization struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	ChunkSize           int      `json:"chunkSize" yaml:"chunkSize"`
	Delimiters          []string `json:"delimiters" yaml:"delimiters"`
	SimilarityThreshold float64  `json:"similarityThreshold" yaml:"similarityThreshold"`
	QueryMessageCount   int      `json:"queryMessageCount" yaml:"queryMessageCount"`
	MaxResultCount      int      `json:"maxResultCount" yaml:"maxResultCount"`
}

type DefaultModels struct {
	Chat      string `json:"chat,omitempty" yaml:"chat,omitempty"`
	Embedding string `json:"embedding,omitempty" yaml:"embedding,omitempty"`
	Image     string `json:"image,omitempty" yaml:"image,omitempty"`
}

// Setting is the global setting shared by every chat.
type Setting struct {
	Regex         []pipeline.RegexRule `json:"REGEX" yaml:"REGEX"`
	Lorebook      lorebook.Setting     `json:"lorebook" yaml:"lorebook"`
	Vectorization Vectorization        `json:"vectorization" yaml:"vectorization"`
	Tools         []string             `json:"tools" yaml:"tools"`
	DefaultModels DefaultModels        `json:"defaultModels" yaml:"defaultModels"`
}

func NewSetting() *Setting {
	return &Setting{
		Regex:    []pipeline.RegexRule{},
		Lorebook: lorebook.DefaultSetting(),
		Vectorization: Vectorization{
			ChunkSize:           500,
			Delimiters:          []string{"\n\n", "\n", "。", "！", "？"},
			SimilarityThreshold: 0.75,
			QueryMessageCount:   1,
			MaxResultCount:      3,
		},
		Tools: []string{},
	}
}

// ModelConfig names the models used for a generation. EmbeddingModel is the
// key vectors are stored under; DefaultEmbeddingModel is the model called to
// compute them, falling back to EmbeddingModel.
type ModelConfig struct {
	ChatModel             string `json:"chatModel" yaml:"chatModel"`
	EmbeddingModel        string `json:"embeddingModel,omitempty" yaml:"embeddingModel,omitempty"`
	DefaultEmbeddingModel string `json:"defaultEmbeddingModel,omitempty" yaml:"defaultEmbeddingModel,omitempty"`
}

func (m *ModelConfig) EmbeddingCallModel() string {
	if m.DefaultEmbeddingModel != "" {
		return m.DefaultEmbeddingModel
	}
	return m.EmbeddingModel
}

// Snapshot is the set of resources selected for one generation.
type Snapshot struct {
	Characters  []Resource[*Character]
	Lorebooks   []Resource[*lorebook.Lorebook]
	Presets     []Resource[*preset.Preset]
	Setting     *Setting
	ModelConfig *ModelConfig
}

// NewSnapshot returns an empty snapshot with the default setting.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Characters:  []Resource[*Character]{},
		Lorebooks:   []Resource[*lorebook.Lorebook]{},
		Presets:     []Resource[*preset.Preset]{},
		Setting:     NewSetting(),
		ModelConfig: &ModelConfig{},
	}
}

// Character returns the first character, which is the one generations speak as.
func (s *Snapshot) Character() (Resource[*Character], bool) {
	if len(s.Characters) == 0 {
		return Resource[*Character]{}, false
	}
	return s.Characters[0], true
}

func (s *Snapshot) LorebookContents() []*lorebook.Lorebook {
	ret := make([]*lorebook.Lorebook, 0, len(s.Lorebooks))
	for _, r := range s.Lorebooks {
		ret = append(ret, r.Content)
	}
	return ret
}

func (s *Snapshot) PresetContents() []*preset.Preset {
	ret := make([]*preset.Preset, 0, len(s.Presets))
	for _, r := range s.Presets {
		ret = append(ret, r.Content)
	}
	return ret
}

// CharacterRegex collects the regex rules of every character.
func (s *Snapshot) CharacterRegex() []pipeline.RegexRule {
	ret := []pipeline.RegexRule{}
	for _, r := range s.Characters {
		ret = append(ret, r.Content.Regex...)
	}
	return ret
}

// CharacterEnv is the view of the first character exposed to templates.
// It is empty when no character is loaded.
func (s *Snapshot) CharacterEnv() map[string]any {
	c, ok := s.Character()
	if !ok {
		return map[string]any{}
	}
	names := make([]string, 0, len(s.Characters))
	for _, r := range s.Characters {
		names = append(names, r.Content.Name)
	}
	return map[string]any{
		"name":                      c.Content.Name,
		"description":               c.Content.Description,
		"personality":               c.Content.Personality,
		"scenario":                  c.Content.Scenario,
		"system_prompt":             c.Content.SystemPrompt,
		"mes_example":               c.Content.MesExample,
		"post_history_instructions": c.Content.PostHistoryInstructions,
		"path":                      c.Path,
		"allNames":                  strings.Join(names, ", "),
	}
}
