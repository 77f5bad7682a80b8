package pipeline

import (
	"encoding/json"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/rs/zerolog/log"
)

const defaultMediaType = "application/octet-stream"

// FinalMessage is the provider-facing form of a message. Parts is nil for
// plain text messages; otherwise it holds the text part followed by the
// attachments and Content is only kept for convenience.
type FinalMessage struct {
	Role    conversation.Role   `json:"role"`
	Content string              `json:"-"`
	Parts   []conversation.Part `json:"-"`
}

// MarshalJSON encodes content as a string, or as the part list when present.
func (m FinalMessage) MarshalJSON() ([]byte, error) {
	if m.Parts == nil {
		return json.Marshal(struct {
			Role    conversation.Role `json:"role"`
			Content string            `json:"content"`
		}{m.Role, m.Content})
	}
	return json.Marshal(struct {
		Role    conversation.Role   `json:"role"`
		Content []conversation.Part `json:"content"`
	}{m.Role, m.Parts})
}

// Finalize attaches additional parts: user messages keep them as they are,
// assistant messages turn images into file parts, and system messages drop them.
func (c *Context) Finalize() []FinalMessage {
	ret := make([]FinalMessage, 0, len(c.messages))
	for _, m := range c.messages {
		var extra []conversation.Part
		if m.Meta != nil {
			extra = m.Meta.AdditionalParts
		}
		fm := FinalMessage{Role: m.Role, Content: m.Content}
		if len(extra) == 0 {
			ret = append(ret, fm)
			continue
		}

		text := conversation.Part{Type: conversation.PartTypeText, Text: m.Content}
		switch m.Role {
		case conversation.RoleSystem:
			log.Warn().Str("message", m.ID).Msg("ignoring additional parts on system message")
		case conversation.RoleUser:
			fm.Parts = append([]conversation.Part{text}, extra...)
		case conversation.RoleAssistant:
			fm.Parts = []conversation.Part{text}
			for _, p := range extra {
				if p.Type == conversation.PartTypeImage {
					mediaType := p.MediaType
					if mediaType == "" {
						mediaType = defaultMediaType
					}
					p = conversation.Part{
						Type:      conversation.PartTypeFile,
						Data:      p.Image,
						Filename:  p.Filename,
						MediaType: mediaType,
					}
				}
				fm.Parts = append(fm.Parts, p)
			}
		}
		ret = append(ret, fm)
	}
	return ret
}
