package conversation

import (
	"encoding/json"
	"math"
	"slices"
	"sort"

	"github.com/huandu/go-clone"
)

// OpenEnd marks an interval that stays open through the end of the context.
const OpenEnd = math.MaxInt

const (
	EndConditionLength = "length"
	EndConditionAnchor = "anchor"

	ActivationRelativeIndex       = "relative_index"
	ActivationNextMessageWithRole = "next_message_with_role"

	// IntervalTypeHidden removes the covered messages from built contexts.
	IntervalTypeHidden = "hidden"
)

type UnmatchedEndPolicy string

const (
	UnmatchedEndLeak           UnmatchedEndPolicy = "leak"
	UnmatchedEndTruncateAtLeaf UnmatchedEndPolicy = "truncate_at_leaf"
	UnmatchedEndDiscard        UnmatchedEndPolicy = "discard"
)

// IntervalEndCondition ends an interval after Value messages (length) or at
// an anchor message. A length condition without Value never ends on its own.
type IntervalEndCondition struct {
	Type   string `json:"type"`
	Value  *int   `json:"value,omitempty"`
	Anchor string `json:"anchor,omitempty"`
}

// IntervalActivation moves the start of an interval away from the message
// that carries it.
type IntervalActivation struct {
	Type  string `json:"type"`
	Value int    `json:"value,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

type AttachedIntervalDef struct {
	ID                     string               `json:"id"`
	Source                 string               `json:"source"`
	Type                   string               `json:"type"`
	Content                map[string]any       `json:"content"`
	EndCondition           IntervalEndCondition `json:"endCondition"`
	RemoveOnAnchorDeletion bool                 `json:"removeOnAnchorDeletion,omitempty"`
	OnUnmatchedEnd         UnmatchedEndPolicy   `json:"onUnmatchedEnd,omitempty"`
	ActivationCondition    *IntervalActivation  `json:"activationCondition,omitempty"`
}

type AttachedEndMarkerDef struct {
	EndsIntervalByID   []string `json:"endsIntervalById,omitempty"`
	EndsIntervalByType []string `json:"endsIntervalByType,omitempty"`
}

func (m AttachedEndMarkerDef) closes(def AttachedIntervalDef) bool {
	return slices.Contains(m.EndsIntervalByID, def.ID) || slices.Contains(m.EndsIntervalByType, def.Type)
}

// IntervalRange is inclusive on both ends; End may be OpenEnd.
type IntervalRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r IntervalRange) Contains(i int) bool {
	return i >= r.Start && i <= r.End
}

func (r IntervalRange) IsOpen() bool {
	return r.End == OpenEnd
}

// MarshalJSON writes an open end as null.
func (r IntervalRange) MarshalJSON() ([]byte, error) {
	var end *int
	if !r.IsOpen() {
		end = &r.End
	}
	return json.Marshal(struct {
		Start int  `json:"start"`
		End   *int `json:"end"`
	}{Start: r.Start, End: end})
}

func (r *IntervalRange) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start int  `json:"start"`
		End   *int `json:"end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Start = raw.Start
	r.End = OpenEnd
	if raw.End != nil {
		r.End = *raw.End
	}
	return nil
}

type ResolvedInterval struct {
	Def   AttachedIntervalDef `json:"def"`
	Range IntervalRange       `json:"range"`
}

type intervalEvent struct {
	index int
	isEnd bool
	def   AttachedIntervalDef
	end   AttachedEndMarkerDef
}

// ResolveIntervals pairs interval starts and end markers along containers,
// whose positions are the flat indices used for ranges. An end marker closes
// the most recently opened matching interval; at equal indices ends are
// processed before starts. Unmatched length intervals end after their length
// or follow OnUnmatchedEnd when unbounded; unmatched anchor intervals are dropped.
func ResolveIntervals(containers []*MessageContainer) []ResolvedInterval {
	total := len(containers)
	if total == 0 {
		return []ResolvedInterval{}
	}

	var events []intervalEvent
	for i, c := range containers {
		m, ok := c.ActiveMessage()
		if !ok {
			continue
		}
		if m.Meta.AttachedEndMarker != nil {
			events = append(events, intervalEvent{index: i, isEnd: true, end: *m.Meta.AttachedEndMarker})
		}
		for _, def := range m.Meta.AttachedIntervals {
			start := activationIndex(containers, i, def.ActivationCondition)
			if start < 0 || start >= total {
				continue
			}
			events = append(events, intervalEvent{index: start, def: clone.Clone(def).(AttachedIntervalDef)})
		}
	}

	sort.SliceStable(events, func(a, b int) bool {
		if events[a].index != events[b].index {
			return events[a].index < events[b].index
		}
		return events[a].isEnd && !events[b].isEnd
	})

	type open struct {
		start  int
		def    AttachedIntervalDef
		closed bool
	}
	var stack []*open
	var ret []ResolvedInterval

	for _, ev := range events {
		if !ev.isEnd {
			stack = append(stack, &open{start: ev.index, def: ev.def})
			continue
		}
		for i := len(stack) - 1; i >= 0; i-- {
			o := stack[i]
			if o.closed || !ev.end.closes(o.def) {
				continue
			}
			o.closed = true
			ret = append(ret, ResolvedInterval{Def: o.def, Range: IntervalRange{Start: o.start, End: ev.index}})
			break
		}
	}

	for _, o := range stack {
		if o.closed || o.def.EndCondition.Type != EndConditionLength {
			continue
		}
		end := OpenEnd
		if o.def.EndCondition.Value != nil {
			end = o.start + *o.def.EndCondition.Value - 1
		} else {
			switch o.def.OnUnmatchedEnd {
			case UnmatchedEndTruncateAtLeaf:
				end = total - 1
			case UnmatchedEndDiscard:
				continue
			case UnmatchedEndLeak:
			default:
			}
		}
		ret = append(ret, ResolvedInterval{Def: o.def, Range: IntervalRange{Start: o.start, End: end}})
	}

	out := make([]ResolvedInterval, 0, len(ret))
	for _, r := range ret {
		if r.Range.End != OpenEnd && r.Range.Start > r.Range.End {
			r.Range.Start, r.Range.End = r.Range.End, r.Range.Start
		}
		out = append(out, r)
	}
	return out
}

func activationIndex(containers []*MessageContainer, at int, cond *IntervalActivation) int {
	if cond == nil {
		return at
	}
	switch cond.Type {
	case ActivationRelativeIndex:
		return at + cond.Value
	case ActivationNextMessageWithRole:
		for i := at + 1; i < len(containers); i++ {
			if containers[i].Role == cond.Role {
				return i
			}
		}
	}
	return -1
}

// IntervalsAt returns the intervals whose range covers index i.
func IntervalsAt(intervals []ResolvedInterval, i int) []ResolvedInterval {
	ret := []ResolvedInterval{}
	for _, iv := range intervals {
		if iv.Range.Contains(i) {
			ret = append(ret, iv)
		}
	}
	return ret
}
