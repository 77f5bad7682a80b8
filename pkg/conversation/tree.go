package conversation

import (
	"time"

	"github.com/huandu/go-clone"
	"github.com/lithammer/shortuuid/v3"
)

// RootChat is the persisted conversation. The engine mutates it in place;
// concurrent access goes through a Session.
type RootChat struct {
	Name             string              `json:"name"`
	Messages         []*MessageContainer `json:"messages"`
	UserValue        map[string]any      `json:"userValue"`
	Tools            []string            `json:"tools"`
	CreateDate       time.Time           `json:"create_date"`
	ModificationDate time.Time           `json:"modification_date"`
}

func NewRootChat(name string) *RootChat {
	now := time.Now()
	return &RootChat{
		Name:             name,
		Messages:         []*MessageContainer{},
		UserValue:        map[string]any{},
		Tools:            []string{},
		CreateDate:       now,
		ModificationDate: now,
	}
}

// NewID returns a short unique identifier for containers and alternatives.
func NewID() string {
	return shortuuid.New()
}

// MetaOption adjusts the metadata of a freshly created message alternative.
type MetaOption func(m *MetaGenerateInfo)

func WithModelName(name string) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.ModelName = name
	}
}

func WithRenderInfo(info RenderInfo) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.RenderInfo = info
	}
}

func WithCharacterName(name string) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.RenderInfo.CharacterName = name
	}
}

func WithVariableChanges(changes ...VariableChange) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.VariableChanges = append(m.VariableChanges, changes...)
	}
}

func WithAttachedIntervals(defs ...AttachedIntervalDef) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.AttachedIntervals = append(m.AttachedIntervals, defs...)
	}
}

func WithEndMarker(marker AttachedEndMarkerDef) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.AttachedEndMarker = &marker
	}
}

func WithAdditionalParts(parts ...Part) MetaOption {
	return func(m *MetaGenerateInfo) {
		m.AdditionalParts = append(m.AdditionalParts, parts...)
	}
}

// WithMeta copies every field of meta, for callers that already hold a full record.
func WithMeta(meta MetaGenerateInfo) MetaOption {
	return func(m *MetaGenerateInfo) {
		*m = clone.Clone(meta).(MetaGenerateInfo)
	}
}

// userMeta marks messages written by the user.
var userMeta = []MetaOption{
	func(m *MetaGenerateInfo) {
		m.RenderInfo.CharacterName = "User"
		m.RenderInfo.CharacterFilePath = "User"
	},
}

func NewMetaGenerateInfo(opts ...MetaOption) MetaGenerateInfo {
	m := MetaGenerateInfo{
		TimeInfo:   TimeInfo{Start: time.Now()},
		Steps:      []Step{},
		RenderInfo: RenderInfo{BakedRegexReplace: []BakedRegex{}},
	}
	for _, o := range opts {
		o(&m)
	}
	return m
}

func NewMessageAlternative(content string, opts ...MetaOption) *MessageAlternative {
	return &MessageAlternative{
		ID:      NewID(),
		Content: content,
		Meta:    NewMetaGenerateInfo(opts...),
	}
}

// NewBranchAlternative creates a branch seeded with one user message.
func NewBranchAlternative(initialContent string) *BranchAlternative {
	first := NewMessageContainer(RoleUser, NewMessageAlternative(initialContent, userMeta...))
	return &BranchAlternative{
		ID:       NewID(),
		Messages: []*MessageContainer{first},
	}
}

func NewMessageContainer(role Role, alternatives ...Alternative) *MessageContainer {
	active := 0
	if len(alternatives) == 0 {
		active = -1
	}
	if alternatives == nil {
		alternatives = []Alternative{}
	}
	return &MessageContainer{
		ID:                NewID(),
		Role:              role,
		Alternatives:      alternatives,
		ActiveAlternative: active,
	}
}

// NewAlternative creates a placeholder alternative of the given type.
func NewAlternative(typ AlternativeType, content string, opts ...MetaOption) Alternative {
	if typ == AlternativeTypeBranch {
		return NewBranchAlternative(content)
	}
	return NewMessageAlternative(content, opts...)
}

// CloneAlternative deep-copies an alternative and assigns fresh IDs to it and,
// for branches, to every nested container and alternative.
func CloneAlternative(alt Alternative) Alternative {
	c := clone.Clone(alt).(Alternative)
	c.setID(NewID())
	if b, ok := c.(*BranchAlternative); ok {
		refreshIDs(b.Messages)
	}
	return c
}

func refreshIDs(containers []*MessageContainer) {
	for _, c := range containers {
		c.ID = NewID()
		for _, alt := range c.Alternatives {
			alt.setID(NewID())
			if b, ok := alt.(*BranchAlternative); ok {
				refreshIDs(b.Messages)
			}
		}
	}
}

// Clone returns a deep copy of the chat.
func (r *RootChat) Clone() *RootChat {
	return clone.Clone(r).(*RootChat)
}
