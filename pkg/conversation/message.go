package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// AlternativeType discriminates the Alternative union in persisted JSON.
type AlternativeType string

const (
	AlternativeTypeMessage AlternativeType = "message"
	AlternativeTypeBranch  AlternativeType = "branch"
)

// Alternative is one candidate version of a MessageContainer: either a single
// message or a whole alternate sub-conversation.
type Alternative interface {
	AlternativeType() AlternativeType
	AlternativeID() string
	AlternativeName() string
	SetAlternativeName(name string)
	// setID is unexported so that the union stays closed to this package.
	setID(id string)
}

type FinishReason string

const (
	FinishReasonComplete    FinishReason = "complete"
	FinishReasonInterrupted FinishReason = "interrupted"
	FinishReasonError       FinishReason = "error"
)

type TimeInfo struct {
	Start time.Time `json:"start"`
	// TimeUsed is the generation wall time in milliseconds.
	TimeUsed *int64 `json:"timeUsed,omitempty"`
}

// BakedRegex is a replacement rule stamped onto a message so that switching
// presets later does not change how that message renders.
type BakedRegex struct {
	FindRegex     string `json:"find_regex" yaml:"find_regex"`
	ReplaceString string `json:"replace_string" yaml:"replace_string"`
	ApplyOn       string `json:"applyOn" yaml:"applyOn"`
}

type RenderInfo struct {
	UsedPresetName    string       `json:"usedPresetName"`
	CharacterFilePath string       `json:"characterFilePath"`
	CharacterName     string       `json:"characterName"`
	BakedRegexReplace []BakedRegex `json:"bakedRegexReplace"`
}

type Step struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
	PartTypeFile  PartType = "file"
)

// Part is a non-text attachment carried next to the message content.
// Image holds a URL or base64 payload for image parts, Data the same for file parts.
type Part struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	Image     string   `json:"image,omitempty"`
	Data      string   `json:"data,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	MediaType string   `json:"mediaType,omitempty"`
}

// MetaGenerateInfo records how a message alternative was produced and what
// it attaches to the timeline (variable deltas, interval markers, embeddings).
type MetaGenerateInfo struct {
	ModelName  string     `json:"modelName"`
	TimeInfo   TimeInfo   `json:"timeInfo"`
	RenderInfo RenderInfo `json:"renderInfo"`
	// Embedding maps an embedding model ID to the stored vector.
	Embedding         map[string][]float32  `json:"embedding,omitempty"`
	Steps             []Step                `json:"steps"`
	VariableChanges   []VariableChange      `json:"variableChanges,omitempty"`
	AttachedIntervals []AttachedIntervalDef `json:"attachedIntervals,omitempty"`
	AttachedEndMarker *AttachedEndMarkerDef `json:"attachedEndMarker,omitempty"`
	AdditionalParts   []Part                `json:"additionalParts,omitempty"`
	FinishReason      FinishReason          `json:"finishReason,omitempty"`
	Error             string                `json:"error,omitempty"`
}

type MessageAlternative struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	Content string           `json:"content"`
	Meta    MetaGenerateInfo `json:"metaGenerateInfo"`
}

func (m *MessageAlternative) AlternativeType() AlternativeType { return AlternativeTypeMessage }
func (m *MessageAlternative) AlternativeID() string            { return m.ID }
func (m *MessageAlternative) AlternativeName() string          { return m.Name }
func (m *MessageAlternative) SetAlternativeName(name string)   { m.Name = name }
func (m *MessageAlternative) setID(id string)                  { m.ID = id }

func (m *MessageAlternative) MarshalJSON() ([]byte, error) {
	type alias MessageAlternative
	return json.Marshal(struct {
		Type AlternativeType `json:"type"`
		*alias
	}{
		Type:  AlternativeTypeMessage,
		alias: (*alias)(m),
	})
}

var _ Alternative = (*MessageAlternative)(nil)

// BranchAlternative holds an entire alternate continuation offered as one
// option of its parent container.
type BranchAlternative struct {
	ID       string              `json:"id"`
	Name     string              `json:"name,omitempty"`
	Messages []*MessageContainer `json:"messages"`
}

func (b *BranchAlternative) AlternativeType() AlternativeType { return AlternativeTypeBranch }
func (b *BranchAlternative) AlternativeID() string            { return b.ID }
func (b *BranchAlternative) AlternativeName() string          { return b.Name }
func (b *BranchAlternative) SetAlternativeName(name string)   { b.Name = name }
func (b *BranchAlternative) setID(id string)                  { b.ID = id }

func (b *BranchAlternative) MarshalJSON() ([]byte, error) {
	type alias BranchAlternative
	return json.Marshal(struct {
		Type AlternativeType `json:"type"`
		*alias
	}{
		Type:  AlternativeTypeBranch,
		alias: (*alias)(b),
	})
}

var _ Alternative = (*BranchAlternative)(nil)

// MessageContainer is one position in the conversation with competing
// alternatives. ActiveAlternative is -1 only for containers decoded without
// alternatives; traversals skip those.
type MessageContainer struct {
	ID                string        `json:"id"`
	Role              Role          `json:"role"`
	Alternatives      []Alternative `json:"alternatives"`
	ActiveAlternative int           `json:"activeAlternative"`
}

// Active returns the active alternative or nil when the container is empty
// or its index is out of range.
func (c *MessageContainer) Active() Alternative {
	if c == nil || c.ActiveAlternative < 0 || c.ActiveAlternative >= len(c.Alternatives) {
		return nil
	}
	return c.Alternatives[c.ActiveAlternative]
}

// ActiveMessage returns the active alternative when it is a message.
func (c *MessageContainer) ActiveMessage() (*MessageAlternative, bool) {
	m, ok := c.Active().(*MessageAlternative)
	return m, ok
}

// AlternativeIndex returns the position of the alternative with the given ID, or -1.
func (c *MessageContainer) AlternativeIndex(id string) int {
	for i, alt := range c.Alternatives {
		if alt.AlternativeID() == id {
			return i
		}
	}
	return -1
}

func (c *MessageContainer) View() string {
	m, ok := c.ActiveMessage()
	if !ok {
		return fmt.Sprintf("[%s]: <branch>", c.Role)
	}
	return fmt.Sprintf("[%s]: %s", c.Role, strings.TrimRight(m.Content, "\n"))
}

type alternativeDecoder func(data []byte) (Alternative, error)

// alternativeDecoders is filled in init; the branch decoder recurses into
// MessageContainer decoding, which reads this table.
var alternativeDecoders map[AlternativeType]alternativeDecoder

func init() {
	alternativeDecoders = map[AlternativeType]alternativeDecoder{
		AlternativeTypeMessage: func(data []byte) (Alternative, error) {
			m := &MessageAlternative{}
			if err := json.Unmarshal(data, (*messageAlias)(m)); err != nil {
				return nil, err
			}
			return m, nil
		},
		AlternativeTypeBranch: func(data []byte) (Alternative, error) {
			b := &BranchAlternative{}
			if err := json.Unmarshal(data, (*branchAlias)(b)); err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}

type messageAlias MessageAlternative
type branchAlias BranchAlternative

// DecodeAlternative decodes a single alternative using its "type" field.
func DecodeAlternative(data []byte) (Alternative, error) {
	var head struct {
		Type AlternativeType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		head.Type = AlternativeTypeMessage
	}
	decode, ok := alternativeDecoders[head.Type]
	if !ok {
		return nil, errors.Errorf("unknown alternative type %q", head.Type)
	}
	return decode(data)
}

func (c *MessageContainer) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                string            `json:"id"`
		Role              Role              `json:"role"`
		Alternatives      []json.RawMessage `json:"alternatives"`
		ActiveAlternative *int              `json:"activeAlternative"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.ID = raw.ID
	c.Role = raw.Role
	c.Alternatives = make([]Alternative, 0, len(raw.Alternatives))
	for i, r := range raw.Alternatives {
		alt, err := DecodeAlternative(r)
		if err != nil {
			return errors.Wrapf(err, "container %s alternative %d", raw.ID, i)
		}
		c.Alternatives = append(c.Alternatives, alt)
	}

	switch {
	case len(c.Alternatives) == 0:
		c.ActiveAlternative = -1
	case raw.ActiveAlternative == nil:
		c.ActiveAlternative = 0
	default:
		c.ActiveAlternative = clampIndex(*raw.ActiveAlternative, len(c.Alternatives))
	}
	return nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
