package resources

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/lorebook"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Resource files are named "<name>.[<type>].json", YAML being accepted too.
var fileNameRegexp = regexp.MustCompile(`^(.*)\.\[([A-Za-z]+)\]\.(json|ya?ml)$`)

// ParseFileName splits a resource file name into its name and type.
func ParseFileName(path string) (string, Type, bool) {
	m := fileNameRegexp.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", "", false
	}
	return m[1], Type(m[2]), true
}

// FileName builds the conventional file name for a resource.
func FileName(name string, t Type) string {
	return name + ".[" + string(t) + "].json"
}

type loaderConfig struct {
	include  []string
	exclude  []string
	validate bool
}

type LoadOption func(c *loaderConfig)

// WithInclude only loads files whose path relative to the directory matches
// one of the glob patterns.
func WithInclude(patterns ...string) LoadOption {
	return func(c *loaderConfig) {
		c.include = append(c.include, patterns...)
	}
}

func WithExclude(patterns ...string) LoadOption {
	return func(c *loaderConfig) {
		c.exclude = append(c.exclude, patterns...)
	}
}

// WithValidation validates each file against the schema of its type before
// decoding it.
func WithValidation() LoadOption {
	return func(c *loaderConfig) {
		c.validate = true
	}
}

func (c *loaderConfig) selected(rel string) (bool, error) {
	for _, p := range c.exclude {
		ok, err := glob.Match(p, rel)
		if err != nil {
			return false, errors.Wrapf(err, "invalid exclude pattern %q", p)
		}
		if ok {
			return false, nil
		}
	}
	if len(c.include) == 0 {
		return true, nil
	}
	for _, p := range c.include {
		ok, err := glob.Match(p, rel)
		if err != nil {
			return false, errors.Wrapf(err, "invalid include pattern %q", p)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// LoadDir walks dir and builds a snapshot from every resource file found.
// Files are visited in lexical order. Only the first setting and model config
// are used; a missing setting falls back to the default one.
func LoadDir(dir string, options ...LoadOption) (*Snapshot, error) {
	cfg := &loaderConfig{}
	for _, o := range options {
		o(cfg)
	}

	ret := NewSnapshot()
	var setting *Setting
	var modelConfig *ModelConfig

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		_, t, ok := ParseFileName(path)
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ok, err := cfg.selected(rel); err != nil || !ok {
			return err
		}

		data, err := ReadFile(path)
		if err != nil {
			return err
		}
		if cfg.validate {
			if err := Validate(t, data); err != nil {
				return errors.Wrapf(err, "invalid %s %s", t, rel)
			}
		}

		switch t {
		case TypeCharacter:
			c := NewCharacter()
			if err := decodeInto(data, c, path); err != nil {
				return err
			}
			ret.Characters = append(ret.Characters, Resource[*Character]{Path: rel, Content: c})
		case TypeLorebook:
			b := lorebook.New()
			if err := decodeInto(data, b, path); err != nil {
				return err
			}
			ret.Lorebooks = append(ret.Lorebooks, Resource[*lorebook.Lorebook]{Path: rel, Content: b})
		case TypePreset:
			p := preset.New()
			p.Variants = nil
			if err := decodeInto(data, p, path); err != nil {
				return err
			}
			ret.Presets = append(ret.Presets, Resource[*preset.Preset]{Path: rel, Content: p})
		case TypeSetting:
			if setting != nil {
				log.Warn().Str("path", rel).Msg("more than one setting found, ignoring")
				return nil
			}
			setting = NewSetting()
			if err := decodeInto(data, setting, path); err != nil {
				return err
			}
		case TypeModelConfig:
			if modelConfig != nil {
				log.Warn().Str("path", rel).Msg("more than one model config found, ignoring")
				return nil
			}
			modelConfig = &ModelConfig{}
			if err := decodeInto(data, modelConfig, path); err != nil {
				return err
			}
		case TypeChat:
		default:
			log.Debug().Str("path", rel).Str("type", string(t)).Msg("skipping resource of unknown type")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not load resources from %s", dir)
	}

	if setting != nil {
		ret.Setting = setting
	}
	if modelConfig != nil {
		ret.ModelConfig = modelConfig
	}
	log.Debug().
		Str("dir", dir).
		Int("characters", len(ret.Characters)).
		Int("lorebooks", len(ret.Lorebooks)).
		Int("presets", len(ret.Presets)).
		Msg("loaded resources")
	return ret, nil
}

// ReadFile reads a resource file and returns it as JSON.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	if conversation.FormatForPath(path) == conversation.FormatYAML {
		return conversation.YAMLToJSON(data)
	}
	return data, nil
}

func decodeInto(data []byte, v any, path string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "could not decode %s", path)
	}
	return nil
}
