// Package lorebook activates knowledge-base entries against a conversation
// and turns the activated entries into depth and location injections.
package lorebook

import (
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/pipeline"
)

// Setting controls a scan. ActivationWhen conditions are required in
// addition to each entry's own conditions.
type Setting struct {
	ScanDepth         int      `json:"scan_depth" yaml:"scan_depth"`
	MaxRecursionCount int      `json:"max_recursion_count" yaml:"max_recursion_count"`
	ActivationWhen    []string `json:"activationWhen" yaml:"activationWhen"`
}

func DefaultSetting() Setting {
	return Setting{
		ScanDepth:         20,
		MaxRecursionCount: 3,
		ActivationWhen:    []string{},
	}
}

type Lorebook struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	// UseLocalSetting makes scans of this book use Setting instead of the
	// caller's global setting.
	UseLocalSetting bool           `json:"useLocalSetting" yaml:"useLocalSetting"`
	Setting         Setting        `json:"setting" yaml:"setting"`
	Entries         []Entry        `json:"entries" yaml:"entries" jsonschema:"required"`
	Extension       map[string]any `json:"extension" yaml:"extension"`
}

// New returns an empty lorebook with the default setting.
func New() *Lorebook {
	return &Lorebook{
		Name:      "New Lorebook",
		Setting:   DefaultSetting(),
		Entries:   []Entry{},
		Extension: map[string]any{},
	}
}

type ActivationCondition struct {
	AlwaysActivation bool `json:"alwaysActivation" yaml:"alwaysActivation"`
	// Condition holds expressions that must all be truthy.
	Condition []string `json:"condition" yaml:"condition"`
}

type Entry struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	GroupName   string `json:"groupName" yaml:"groupName"`

	ActivationWhen ActivationCondition `json:"activationWhen" yaml:"activationWhen"`
	// EscapeScanWhenRecursing keeps the entry's content out of the text
	// scanned by the next recursion level.
	EscapeScanWhenRecursing bool `json:"escapeScanWhenRecursing" yaml:"escapeScanWhenRecursing"`

	ActivationEffect Effect `json:"activationEffect" yaml:"activationEffect"`
}

// IntervalTemplate describes an interval to attach to the generated message.
type IntervalTemplate struct {
	Type    string         `json:"type" yaml:"type"`
	Length  string         `json:"length" yaml:"length"`
	Content map[string]any `json:"content" yaml:"content"`
}

type Effect struct {
	Role              conversation.Role `json:"role" yaml:"role"`
	Position          pipeline.Position `json:"position" yaml:"position"`
	Content           string            `json:"content" yaml:"content"`
	InsertionOrder    int               `json:"insertion_order" yaml:"insertion_order"`
	IntervalsToCreate *IntervalTemplate `json:"intervalsToCreate,omitempty" yaml:"intervalsToCreate,omitempty"`
}

func (e Effect) Message() pipeline.Message {
	return pipeline.Message{Role: e.Role, Content: e.Content}
}
