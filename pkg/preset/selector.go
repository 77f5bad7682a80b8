package preset

import (
	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrPresetNotFound = errors.New("preset not found")

// Selector tracks the current preset among the loaded ones and the prompt set
// of its selected variant.
type Selector struct {
	presets []*Preset
	current *Preset
	prompts []Prompt
}

// NewSelector starts on the first preset and its first variant.
func NewSelector(presets ...*Preset) (*Selector, error) {
	if len(presets) == 0 {
		return nil, errors.New("at least one preset is required")
	}
	s := &Selector{presets: presets}
	s.use(presets[0])
	return s, nil
}

func (s *Selector) use(p *Preset) {
	s.current = p
	s.prompts = []Prompt{}
	if len(p.Variants) > 0 {
		s.prompts = p.Variants[0].Prompts
	}
}

func (s *Selector) Preset() *Preset {
	return s.current
}

// Prompts returns the prompts of the selected variant.
func (s *Selector) Prompts() []Prompt {
	return s.prompts
}

// SwitchPreset makes the preset with the given name current and resets the
// variant to its first one.
func (s *Selector) SwitchPreset(name string) error {
	for _, p := range s.presets {
		if p.Name == name {
			s.use(p)
			return nil
		}
	}
	return errors.Wrapf(ErrPresetNotFound, "preset %q", name)
}

// SelectVariantByModel picks the first variant whose model regex matches the
// model name, case-insensitively. Without a match the first variant is used.
func (s *Selector) SelectVariantByModel(modelName string) *Variant {
	variants := s.current.Variants
	if len(variants) == 0 {
		s.prompts = []Prompt{}
		return nil
	}
	for i := range variants {
		v := &variants[i]
		re, err := regexp2.Compile(v.ModelRegex, regexp2.IgnoreCase|regexp2.ECMAScript)
		if err != nil {
			log.Warn().Err(err).Str("variant", v.Name).Str("regex", v.ModelRegex).Msg("invalid model regex in preset variant")
			continue
		}
		ok, err := re.MatchString(modelName)
		if err != nil {
			log.Warn().Err(err).Str("variant", v.Name).Msg("could not match model regex")
			continue
		}
		if ok {
			s.prompts = v.Prompts
			return v
		}
	}
	s.prompts = variants[0].Prompts
	return &variants[0]
}
