package resources

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/lorebook"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

var ErrUnknownType = errors.New("unknown resource type")

// schemaTargets maps each resource type to the value its schema is reflected from.
var schemaTargets = map[Type]func() any{
	TypeCharacter:   func() any { return &Character{} },
	TypeLorebook:    func() any { return &lorebook.Lorebook{} },
	TypePreset:      func() any { return &preset.Preset{} },
	TypeSetting:     func() any { return &Setting{} },
	TypeModelConfig: func() any { return &ModelConfig{} },
	TypeChat:        func() any { return &conversation.RootChat{} },
}

// Schema returns the JSON schema of a resource type. Extra properties are
// allowed and only fields tagged as required are required, so files written
// by older versions still validate.
func Schema(t Type) (*jsonschema.Schema, error) {
	target, ok := schemaTargets[t]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", t)
	}
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	s := reflector.Reflect(target())
	s.Title = string(t)
	return s, nil
}

// ValidationError lists every schema violation of a document.
type ValidationError struct {
	Type   Type
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s does not match its schema:\n- %s", e.Type, strings.Join(e.Errors, "\n- "))
}

// Validate checks a JSON document against the schema of its type.
func Validate(t Type, data []byte) error {
	s, err := Schema(t)
	if err != nil {
		return err
	}
	// gojsonschema only knows drafts up to 7
	s.Version = ""
	if t == TypeChat {
		// alternatives are a tagged union the reflected schema cannot express
		s.Properties.Delete("messages")
	}
	schemaJSON, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "could not encode schema")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.Wrap(err, "could not validate document")
	}
	if result.Valid() {
		return nil
	}
	ret := &ValidationError{Type: t}
	for _, desc := range result.Errors() {
		ret.Errors = append(ret.Errors, desc.String())
	}
	return ret
}
