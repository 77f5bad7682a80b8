// Package pipeline transforms a built conversation context into the message
// list sent to a model. A Context is an ordered message sequence plus the
// resolved user value and intervals it was built with. Transformations return
// new values; only Push, Pop, Shift and Unshift modify the receiver.
package pipeline

import (
	"github.com/go-go-golems/loom/pkg/conversation"
)

type Message = conversation.ApiReadyMessage

type Context struct {
	messages  []Message
	userValue map[string]any
	intervals []conversation.ResolvedInterval
}

// New wraps a snapshot. The snapshot must not be modified afterwards.
func New(c *conversation.ApiReadyContext) *Context {
	if c == nil {
		c = conversation.EmptyContext()
	}
	return &Context{
		messages:  append([]Message{}, c.ActiveMessages...),
		userValue: c.ResolvedUserValue,
		intervals: c.ResolvedIntervals,
	}
}

// FromMessages creates a context without user value or intervals.
func FromMessages(msgs ...Message) *Context {
	return &Context{
		messages:  append([]Message{}, msgs...),
		userValue: map[string]any{},
		intervals: []conversation.ResolvedInterval{},
	}
}

// Text returns a system message, the form plain strings take when injected.
func Text(content string) Message {
	return Message{Role: conversation.RoleSystem, Content: content}
}

func (c *Context) derive(msgs []Message) *Context {
	return &Context{
		messages:  msgs,
		userValue: c.userValue,
		intervals: c.intervals,
	}
}

func (c *Context) Len() int {
	return len(c.messages)
}

func (c *Context) At(i int) Message {
	return c.messages[i]
}

// Messages returns a copy of the message sequence.
func (c *Context) Messages() []Message {
	return append([]Message{}, c.messages...)
}

// Last returns the newest message.
func (c *Context) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

func (c *Context) ResolvedUserValue() map[string]any {
	return c.userValue
}

func (c *Context) ResolvedIntervals() []conversation.ResolvedInterval {
	return c.intervals
}

// IntervalsForIndex returns the intervals covering message i, or none when i
// is outside the current sequence.
func (c *Context) IntervalsForIndex(i int) []conversation.ResolvedInterval {
	if i < 0 || i >= len(c.messages) {
		return []conversation.ResolvedInterval{}
	}
	return conversation.IntervalsAt(c.intervals, i)
}

// Slice follows JavaScript slice semantics: negative indices count from the
// end and out-of-range bounds are clamped.
func (c *Context) Slice(start, end int) *Context {
	n := len(c.messages)
	start, end = relIndex(start, n), relIndex(end, n)
	if start >= end {
		return c.derive([]Message{})
	}
	return c.derive(append([]Message{}, c.messages[start:end]...))
}

// Tail returns the messages from start to the end.
func (c *Context) Tail(start int) *Context {
	return c.Slice(start, len(c.messages))
}

func relIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func (c *Context) Filter(keep func(m Message, i int) bool) *Context {
	ret := []Message{}
	for i, m := range c.messages {
		if keep(m, i) {
			ret = append(ret, m)
		}
	}
	return c.derive(ret)
}

func (c *Context) Concat(others ...*Context) *Context {
	ret := append([]Message{}, c.messages...)
	for _, o := range others {
		ret = append(ret, o.messages...)
	}
	return c.derive(ret)
}

// Map projects the messages into a plain slice.
func Map[T any](c *Context, fn func(m Message, i int) T) []T {
	ret := make([]T, len(c.messages))
	for i, m := range c.messages {
		ret[i] = fn(m, i)
	}
	return ret
}

func (c *Context) Push(msgs ...Message) *Context {
	c.messages = append(c.messages, msgs...)
	return c
}

func (c *Context) Pop() *Context {
	if len(c.messages) > 0 {
		c.messages = c.messages[:len(c.messages)-1]
	}
	return c
}

func (c *Context) Shift() *Context {
	if len(c.messages) > 0 {
		c.messages = c.messages[1:]
	}
	return c
}

func (c *Context) Unshift(msgs ...Message) *Context {
	c.messages = append(append([]Message{}, msgs...), c.messages...)
	return c
}
