package conversation

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the codec from the file extension, defaulting to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func LoadChat(path string) (*RootChat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open chat %s", path)
	}
	defer f.Close()

	chat, err := ReadChat(f, FormatForPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "could not load chat %s", path)
	}
	return chat, nil
}

// ReadChat decodes a chat. YAML is converted to JSON first so that the
// alternative union goes through a single decoder.
func ReadChat(r io.Reader, format Format) (*RootChat, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if format == FormatYAML {
		data, err = YAMLToJSON(data)
		if err != nil {
			return nil, err
		}
	}

	chat := &RootChat{}
	if err := json.Unmarshal(data, chat); err != nil {
		return nil, errors.Wrap(err, "could not decode chat")
	}
	if chat.Messages == nil {
		chat.Messages = []*MessageContainer{}
	}
	if chat.UserValue == nil {
		chat.UserValue = map[string]any{}
	}
	return chat, nil
}

// SaveChat writes the chat atomically, as YAML or JSON depending on the extension.
func SaveChat(path string, chat *RootChat) error {
	var buf bytes.Buffer
	if err := WriteChat(&buf, chat, FormatForPath(path)); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return errors.Wrapf(err, "could not write chat %s", path)
	}
	return nil
}

func WriteChat(w io.Writer, chat *RootChat, format Format) error {
	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not encode chat")
	}
	if format == FormatYAML {
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return errors.Wrap(err, "could not encode chat as yaml")
		}
		return enc.Close()
	}
	_, err = w.Write(data)
	return err
}

// YAMLToJSON re-encodes a YAML document as JSON so that custom JSON decoders apply.
func YAMLToJSON(data []byte) ([]byte, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, errors.Wrap(err, "could not parse yaml")
	}
	return json.Marshal(generic)
}
