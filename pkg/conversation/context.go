package conversation

import (
	"github.com/huandu/go-clone"
)

// ApiReadyMessage is a message of a built context. ID and Meta are empty for
// messages synthesized by the pipeline.
type ApiReadyMessage struct {
	ID      string            `json:"id,omitempty"`
	Role    Role              `json:"role"`
	Content string            `json:"content"`
	Meta    *MetaGenerateInfo `json:"metaGenerateInfo,omitempty"`
}

// ApiReadyContext is an immutable snapshot of the active timeline. It shares
// no memory with the tree it was built from.
type ApiReadyContext struct {
	ActiveMessages    []ApiReadyMessage  `json:"activeMessages"`
	ResolvedUserValue map[string]any     `json:"resolvedUserValue"`
	ResolvedIntervals []ResolvedInterval `json:"resolvedIntervals"`
}

func EmptyContext() *ApiReadyContext {
	return &ApiReadyContext{
		ActiveMessages:    []ApiReadyMessage{},
		ResolvedUserValue: map[string]any{},
		ResolvedIntervals: []ResolvedInterval{},
	}
}

type contextConfig struct {
	cutoff    int
	hasCutoff bool
}

type ContextOption func(c *contextConfig)

// WithCutoff includes the active timeline up to and including flat index i.
// A negative cutoff yields an empty context.
func WithCutoff(i int) ContextOption {
	return func(c *contextConfig) {
		c.cutoff = i
		c.hasCutoff = true
	}
}

// CreateChatContext builds a snapshot of the active timeline. Interval
// markers and variable changes are read from each active message
// alternative. Messages covered by hidden intervals are dropped, and the
// remaining intervals are re-expressed in the coordinates of the kept messages.
func CreateChatContext(root *RootChat, opts ...ContextOption) *ApiReadyContext {
	cfg := contextConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if root == nil {
		return EmptyContext()
	}

	active := activeContainers(root.Messages)
	if cfg.hasCutoff {
		switch {
		case cfg.cutoff < 0:
			active = nil
		case cfg.cutoff+1 < len(active):
			active = active[:cfg.cutoff+1]
		}
	}

	intervals := ResolveIntervals(active)

	hidden := make([]bool, len(active))
	anyHidden := false
	for _, iv := range intervals {
		if iv.Def.Type != IntervalTypeHidden {
			continue
		}
		end := iv.Range.End
		if end >= len(active) {
			end = len(active) - 1
		}
		for i := iv.Range.Start; i <= end; i++ {
			if i >= 0 {
				hidden[i] = true
				anyHidden = true
			}
		}
	}

	kept := active
	newIndex := make([]int, len(active))
	if anyHidden {
		kept = make([]*MessageContainer, 0, len(active))
		for i, c := range active {
			if hidden[i] {
				newIndex[i] = -1
				continue
			}
			newIndex[i] = len(kept)
			kept = append(kept, c)
		}
		intervals = remapIntervals(intervals, newIndex)
	}

	messages := make([]ApiReadyMessage, 0, len(kept))
	for _, c := range kept {
		m, ok := c.ActiveMessage()
		if !ok {
			continue
		}
		meta := clone.Clone(m.Meta).(MetaGenerateInfo)
		messages = append(messages, ApiReadyMessage{
			ID:      m.ID,
			Role:    c.Role,
			Content: m.Content,
			Meta:    &meta,
		})
	}

	return &ApiReadyContext{
		ActiveMessages:    messages,
		ResolvedUserValue: ResolveUserValue(root.UserValue, kept),
		ResolvedIntervals: intervals,
	}
}

// remapIntervals moves ranges onto the kept messages. Hidden intervals and
// intervals left without any kept message are dropped.
func remapIntervals(intervals []ResolvedInterval, newIndex []int) []ResolvedInterval {
	ret := []ResolvedInterval{}
	for _, iv := range intervals {
		if iv.Def.Type == IntervalTypeHidden {
			continue
		}
		start, end := -1, -1
		last := iv.Range.End
		if last >= len(newIndex) {
			last = len(newIndex) - 1
		}
		for i := iv.Range.Start; i <= last; i++ {
			if i < 0 || newIndex[i] < 0 {
				continue
			}
			if start < 0 {
				start = newIndex[i]
			}
			end = newIndex[i]
		}
		if start < 0 {
			continue
		}
		if iv.Range.IsOpen() {
			end = OpenEnd
		}
		iv.Range = IntervalRange{Start: start, End: end}
		ret = append(ret, iv)
	}
	return ret
}
