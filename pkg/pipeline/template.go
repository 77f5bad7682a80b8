package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/expr"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

// ApplyTemplate expands every template message against env and returns the
// resulting sequence, discarding the receiver's messages. Each part of an
// expansion becomes one message: message-shaped values (with a role) are
// kept as they are, everything else takes the template message's role, with
// non-string values encoded as JSON.
func (c *Context) ApplyTemplate(ctx context.Context, engine expr.Engine, template []Message, env map[string]any) *Context {
	ret := []Message{}
	for _, tm := range template {
		parts := expr.ApplyExpressionsWithSplitting(ctx, engine, tm.Content, env)
		for _, part := range parts {
			if m, ok := asMessage(part); ok {
				ret = append(ret, m)
				continue
			}
			ret = append(ret, Message{Role: tm.Role, Content: partString(part)})
		}
	}
	return c.derive(ret)
}

func partString(part any) string {
	if s, ok := part.(string); ok {
		return s
	}
	b, err := json.Marshal(part)
	if err != nil {
		return fmt.Sprint(part)
	}
	return string(b)
}

// asMessage recognizes message-shaped template results: context messages
// passed through unchanged and objects with a non-empty role.
func asMessage(part any) (Message, bool) {
	switch t := part.(type) {
	case Message:
		return t, t.Role != ""
	case *Message:
		if t == nil {
			return Message{}, false
		}
		return *t, t.Role != ""
	case FinalMessage:
		return Message{Role: t.Role, Content: t.Content}, t.Role != ""
	case map[string]any:
		role, ok := t["role"].(string)
		if !ok || role == "" {
			return Message{}, false
		}
		var m Message
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			Result:           &m,
		})
		if err != nil {
			return Message{}, false
		}
		if err := dec.Decode(t); err != nil {
			log.Warn().Err(err).Msg("could not decode message from template result")
			return Message{Role: conversation.Role(role), Content: partString(t["content"])}, true
		}
		return m, true
	}
	return Message{}, false
}
