package pipeline

import (
	"encoding/json"
	"strconv"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// RegexRule is a find/replace rule shared by characters, settings and presets.
// MinDepth and MaxDepth bound the message depth; unset means unbounded.
type RegexRule struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	FindRegex        string `json:"find_regex" yaml:"find_regex"`
	ReplaceString    string `json:"replace_string" yaml:"replace_string"`
	ApplyOnRendering bool   `json:"applyOnRendering" yaml:"applyOnRendering"`
	ApplyOnSending   bool   `json:"applyOnSending" yaml:"applyOnSending"`
	MinDepth         *int   `json:"minDepth,omitempty" yaml:"minDepth,omitempty"`
	MaxDepth         *int   `json:"maxDepth,omitempty" yaml:"maxDepth,omitempty"`
}

func (r RegexRule) InDepthWindow(depth int) bool {
	if r.MinDepth != nil && depth < *r.MinDepth {
		return false
	}
	if r.MaxDepth != nil && depth > *r.MaxDepth {
		return false
	}
	return true
}

// Named insertion locations understood by presets and lorebooks.
const (
	LocationBeforeChar  = "BEFORE_CHAR"
	LocationAfterChar   = "AFTER_CHAR"
	LocationPersonality = "PERSONALITY"
	LocationScenario    = "SCENARIO"
	LocationNone        = "none"
)

// Position is where content is inserted: a depth counted from the newest
// message, or a named location. It encodes as a JSON number or string.
type Position struct {
	Depth    *int
	Location string
}

func AtDepth(depth int) Position {
	return Position{Depth: &depth}
}

func AtLocation(name string) Position {
	return Position{Location: name}
}

func (p Position) IsDepth() bool {
	return p.Depth != nil
}

// IsNone reports a position that places the content nowhere.
func (p Position) IsNone() bool {
	return p.Depth == nil && (p.Location == "" || p.Location == LocationNone)
}

func (p Position) String() string {
	if p.Depth != nil {
		return strconv.Itoa(*p.Depth)
	}
	return p.Location
}

func (p Position) MarshalJSON() ([]byte, error) {
	if p.Depth != nil {
		return json.Marshal(*p.Depth)
	}
	if p.Location == "" {
		return []byte("null"), nil
	}
	return json.Marshal(p.Location)
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*p = Position{}
	case float64:
		*p = AtDepth(int(t))
	case string:
		// "5" names a location, only JSON numbers are depths
		*p = AtLocation(t)
	default:
		return errors.Errorf("position must be a number or a string, got %s", string(data))
	}
	return nil
}

// JSONSchema describes Position as integer or string.
func (Position) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "integer", Minimum: json.Number("0")},
			{Type: "string"},
		},
	}
}
