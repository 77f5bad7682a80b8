package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Sink is a destination for generation events.
type Sink interface {
	PublishEvent(event Event) error
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) PublishEvent(Event) error {
	return nil
}

// ChannelSink forwards events to a buffered channel, dropping them when the
// channel is full.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

func (c *ChannelSink) PublishEvent(event Event) error {
	select {
	case c.C <- event:
	default:
		log.Warn().Str("event_type", string(event.Type())).Msg("event channel full, dropping event")
	}
	return nil
}

// MultiSink publishes to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) PublishEvent(event Event) error {
	var first error
	for _, s := range m {
		if err := s.PublishEvent(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WatermillSink publishes JSON-encoded events to a watermill topic. Each
// message carries a sequence_number metadata entry in publish order.
type WatermillSink struct {
	publisher message.Publisher
	topic     string

	mu             sync.Mutex
	sequenceNumber uint64
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event to JSON")
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sequence_number", strconv.FormatUint(w.sequenceNumber, 10))
	w.sequenceNumber++

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("failed to publish event to watermill")
		return err
	}

	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type())).Msg("published event to watermill")
	return nil
}

var (
	_ Sink = NullSink{}
	_ Sink = &ChannelSink{}
	_ Sink = MultiSink{}
	_ Sink = &WatermillSink{}
)

type ctxKey int

const ctxKeyEventSinks ctxKey = iota

// WithEventSinks attaches sinks to ctx, in addition to the ones already there.
func WithEventSinks(ctx context.Context, sinks ...Sink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	combined := append([]Sink{}, GetEventSinks(ctx)...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeyEventSinks, combined)
}

func GetEventSinks(ctx context.Context) []Sink {
	if sinks, ok := ctx.Value(ctxKeyEventSinks).([]Sink); ok {
		return sinks
	}
	return nil
}

// PublishEventToContext publishes to the sinks stored in ctx. Sink errors are
// logged and otherwise ignored.
func PublishEventToContext(ctx context.Context, event Event) {
	for _, sink := range GetEventSinks(ctx) {
		if err := sink.PublishEvent(event); err != nil {
			log.Debug().Err(err).Str("event_type", string(event.Type())).Msg("sink rejected event")
		}
	}
}
