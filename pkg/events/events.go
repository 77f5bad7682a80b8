// Package events carries generation progress (start, streamed deltas, the
// final text, errors and interruptions) from the orchestrator to whoever is
// listening, usually through a watermill topic.
package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
}

// EventMetadata identifies the generation an event belongs to.
type EventMetadata struct {
	// ID is shared by all events of one generation.
	ID            uuid.UUID `json:"generation_id" yaml:"generation_id"`
	Flow          string    `json:"flow,omitempty" yaml:"flow,omitempty"`
	ContainerID   string    `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	AlternativeID string    `json:"alternative_id,omitempty" yaml:"alternative_id,omitempty"`
	Model         string    `json:"model,omitempty" yaml:"model,omitempty"`
	PresetName    string    `json:"preset,omitempty" yaml:"preset,omitempty"`
	StopReason    string    `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Usage         *Usage    `json:"usage,omitempty" yaml:"usage,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("generation_id", em.ID.String())
	if em.Flow != "" {
		e.Str("flow", em.Flow)
	}
	if em.ContainerID != "" {
		e.Str("container_id", em.ContainerID)
	}
	if em.AlternativeID != "" {
		e.Str("alternative_id", em.AlternativeID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.StopReason != "" {
		e.Str("stop_reason", em.StopReason)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
	if em.DurationMs > 0 {
		e.Int64("duration_ms", em.DurationMs)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{EventImpl{Type_: EventTypeStart, Metadata_: metadata}}
}

// EventPartialCompletion is one streamed delta. Completion is the text
// received so far, including Delta.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	// Text is the partial content kept on the message.
	Text string `json:"text"`
}

func NewErrorEvent(metadata EventMetadata, err error, text string) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
		Text:        text,
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var (
	_ Event = &EventStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventInterrupt{}
)

var eventFactories = map[EventType]func() Event{
	EventTypeStart:             func() Event { return &EventStart{} },
	EventTypePartialCompletion: func() Event { return &EventPartialCompletion{} },
	EventTypeFinal:             func() Event { return &EventFinal{} },
	EventTypeError:             func() Event { return &EventError{} },
	EventTypeInterrupt:         func() Event { return &EventInterrupt{} },
}

func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode event header")
	}
	factory, ok := eventFactories[hdr.Type]
	if !ok {
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
	ev := factory()
	if err := json.Unmarshal(b, ev); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s event", hdr.Type)
	}
	return ev, nil
}
