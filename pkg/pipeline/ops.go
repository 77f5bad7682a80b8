package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Inject inserts items depth messages before the end: depth 0 appends and a
// depth of Len() or more prepends. A negative depth counts as 0.
func (c *Context) Inject(depth int, items ...Message) *Context {
	at := len(c.messages) - max(0, min(depth, len(c.messages)))
	ret := make([]Message, 0, len(c.messages)+len(items))
	ret = append(ret, c.messages[:at]...)
	ret = append(ret, items...)
	ret = append(ret, c.messages[at:]...)
	return c.derive(ret)
}

// DepthInjection maps an injection depth to the messages inserted there.
type DepthInjection map[int][]Message

// InjectMany merges injections per depth, in the order given, and inserts
// them from the smallest depth up. Each insertion index is computed against
// the sequence as it grows. Negative depths are ignored.
func (c *Context) InjectMany(injections ...DepthInjection) *Context {
	merged := map[int][]Message{}
	for _, inj := range injections {
		for depth, msgs := range inj {
			if depth < 0 {
				continue
			}
			merged[depth] = append(merged[depth], msgs...)
		}
	}
	if len(merged) == 0 {
		return c.derive(c.Messages())
	}

	depths := make([]int, 0, len(merged))
	for d := range merged {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	ret := c.Messages()
	for _, d := range depths {
		at := max(0, len(ret)-d)
		ret = append(ret[:at], append(append([]Message{}, merged[d]...), ret[at:]...)...)
	}
	return c.derive(ret)
}

type SquashConfig struct {
	NewRole         conversation.Role `json:"newRole"`
	Separator       string            `json:"separator"`
	UserPrefix      string            `json:"userPrefix,omitempty"`
	UserSuffix      string            `json:"userSuffix,omitempty"`
	AssistantPrefix string            `json:"assistantPrefix,omitempty"`
	AssistantSuffix string            `json:"assistantSuffix,omitempty"`
}

// SquashInterval is a half-open range [Start, End).
type SquashInterval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Squash replaces count messages from start with one message of cfg.NewRole.
// Non-user messages take the assistant prefix and suffix.
func (c *Context) Squash(start, count int, cfg SquashConfig) *Context {
	return c.derive(squash(c.messages, start, count, cfg))
}

// SquashSelective squashes each interval, starting with the last one so that
// earlier indices stay valid.
func (c *Context) SquashSelective(intervals []SquashInterval, cfg SquashConfig) *Context {
	sorted := append([]SquashInterval{}, intervals...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	current := c.messages
	for _, iv := range sorted {
		current = squash(current, iv.Start, iv.End-iv.Start, cfg)
	}
	return c.derive(append([]Message{}, current...))
}

func squash(msgs []Message, start, count int, cfg SquashConfig) []Message {
	start = max(0, start)
	end := min(len(msgs), start+count)
	if start >= end {
		return append([]Message{}, msgs...)
	}

	parts := make([]string, 0, end-start)
	for _, m := range msgs[start:end] {
		prefix, suffix := cfg.AssistantPrefix, cfg.AssistantSuffix
		if m.Role == conversation.RoleUser {
			prefix, suffix = cfg.UserPrefix, cfg.UserSuffix
		}
		parts = append(parts, prefix+m.Content+suffix)
	}

	ret := make([]Message, 0, len(msgs)-(end-start)+1)
	ret = append(ret, msgs[:start]...)
	ret = append(ret, Message{Role: cfg.NewRole, Content: strings.Join(parts, cfg.Separator)})
	ret = append(ret, msgs[end:]...)
	return ret
}

// Replacer computes the new content of a message.
type Replacer func(content string, m Message) string

func (c *Context) ReplaceContent(replace Replacer) *Context {
	ret := make([]Message, len(c.messages))
	for i, m := range c.messages {
		m.Content = replace(m.Content, m)
		ret[i] = m
	}
	return c.derive(ret)
}

// ReplaceString replaces the first occurrence of find in every message.
func ReplaceString(find, replace string) Replacer {
	return func(content string, _ Message) string {
		return strings.Replace(content, find, replace, 1)
	}
}

// ReplaceRegex replaces every match of re in every message. Matching errors
// leave the content unchanged.
func ReplaceRegex(re *regexp2.Regexp, replace string) Replacer {
	return func(content string, _ Message) string {
		out, err := re.Replace(content, replace, -1, -1)
		if err != nil {
			return content
		}
		return out
	}
}

type compiledRule struct {
	RegexRule
	re *regexp2.Regexp
}

// CompileRegex compiles a find pattern with JavaScript-compatible semantics.
func CompileRegex(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid regex %q", pattern)
	}
	return re, nil
}

// ApplyRegex runs the enabled rules over every message whose depth (distance
// from the newest message) lies within the rule's window. Invalid patterns
// are skipped.
func (c *Context) ApplyRegex(rules []RegexRule) *Context {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		re, err := CompileRegex(r.FindRegex)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("skipping regex rule")
			continue
		}
		compiled = append(compiled, compiledRule{RegexRule: r, re: re})
	}
	if len(compiled) == 0 {
		return c.derive(c.Messages())
	}

	n := len(c.messages)
	ret := make([]Message, n)
	for i, m := range c.messages {
		depth := n - 1 - i
		for _, r := range compiled {
			if !r.InDepthWindow(depth) {
				continue
			}
			out, err := r.re.Replace(m.Content, r.ReplaceString, -1, -1)
			if err != nil {
				log.Warn().Err(err).Str("rule", r.ID).Msg("regex replace failed")
				continue
			}
			m.Content = out
		}
		ret[i] = m
	}
	return c.derive(ret)
}

// TokenCounter measures the token cost of a message content.
type TokenCounter interface {
	Count(ctx context.Context, text string) (int, error)
}

type TokenCounterFunc func(ctx context.Context, text string) (int, error)

func (f TokenCounterFunc) Count(ctx context.Context, text string) (int, error) {
	return f(ctx, text)
}

// Prune keeps the longest run of newest messages whose total cost fits
// maxTokens. Counting stops at the first message that does not fit.
func (c *Context) Prune(ctx context.Context, maxTokens int, counter TokenCounter) (*Context, error) {
	total := 0
	cut := 0
	for i := len(c.messages) - 1; i >= 0; i-- {
		tokens, err := counter.Count(ctx, c.messages[i].Content)
		if err != nil {
			return nil, errors.Wrap(err, "could not count tokens")
		}
		if total+tokens > maxTokens {
			cut = i + 1
			break
		}
		total += tokens
	}
	return c.Tail(cut), nil
}
