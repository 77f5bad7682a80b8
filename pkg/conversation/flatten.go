package conversation

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PathSegment addresses one container inside its owning array. Segments that
// lead into a branch also record which alternative was entered.
type PathSegment struct {
	ContainerIndex   int    `json:"containerIndex"`
	AlternativeIndex *int   `json:"alternativeIndex,omitempty"`
	BranchID         string `json:"branchId,omitempty"`
}

// PathInfo is the route from the root to a container. It is recomputed on
// every traversal and must not be cached across mutations.
type PathInfo []PathSegment

func (p PathInfo) Clone() PathInfo {
	out := make(PathInfo, len(p))
	for i, s := range p {
		out[i] = s
		if s.AlternativeIndex != nil {
			v := *s.AlternativeIndex
			out[i].AlternativeIndex = &v
		}
	}
	return out
}

// Parent returns the path to the container whose branch holds this one.
func (p PathInfo) Parent() (PathInfo, bool) {
	if len(p) < 2 {
		return nil, false
	}
	return p[:len(p)-1].Clone(), true
}

// String renders the path as "0/3:1/2", where ":n" names the entered alternative.
func (p PathInfo) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = strconv.Itoa(s.ContainerIndex)
		if s.AlternativeIndex != nil {
			parts[i] += ":" + strconv.Itoa(*s.AlternativeIndex)
		}
	}
	return strings.Join(parts, "/")
}

// ParsePath parses the format produced by PathInfo.String.
func ParsePath(s string) (PathInfo, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty path")
	}
	var ret PathInfo
	for _, part := range strings.Split(s, "/") {
		idx, alt, hasAlt := strings.Cut(part, ":")
		ci, err := strconv.Atoi(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid container index %q", idx)
		}
		seg := PathSegment{ContainerIndex: ci}
		if hasAlt {
			ai, err := strconv.Atoi(alt)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid alternative index %q", alt)
			}
			seg.AlternativeIndex = &ai
		}
		ret = append(ret, seg)
	}
	return ret, nil
}

// FlatChatMessage is one entry of the active timeline. Content points into
// the tree, so a flattened view is only valid until the next mutation.
type FlatChatMessage struct {
	ContainerID               string
	Role                      Role
	Content                   *MessageAlternative
	Path                      PathInfo
	Depth                     int
	AvailableAlternativeCount int
	ActiveAlternative         int
}

// Flatten lists the active message alternatives in document order. A branch
// alternative contributes its nested containers in place of itself, and
// traversal then continues with the containers that follow it.
func Flatten(containers []*MessageContainer, prefix PathInfo) []FlatChatMessage {
	ret := []FlatChatMessage{}
	flattenInto(&ret, containers, prefix, len(prefix))
	return ret
}

func flattenInto(ret *[]FlatChatMessage, containers []*MessageContainer, prefix PathInfo, depth int) {
	for i, c := range containers {
		switch alt := c.Active().(type) {
		case *MessageAlternative:
			path := append(prefix.Clone(), PathSegment{ContainerIndex: i})
			*ret = append(*ret, FlatChatMessage{
				ContainerID:               c.ID,
				Role:                      c.Role,
				Content:                   alt,
				Path:                      path,
				Depth:                     depth,
				AvailableAlternativeCount: len(c.Alternatives),
				ActiveAlternative:         c.ActiveAlternative,
			})
		case *BranchAlternative:
			active := c.ActiveAlternative
			path := append(prefix.Clone(), PathSegment{
				ContainerIndex:   i,
				AlternativeIndex: &active,
				BranchID:         alt.ID,
			})
			flattenInto(ret, alt.Messages, path, depth+1)
		}
	}
}

// Flatten returns the active timeline of the whole chat.
func (r *RootChat) Flatten() []FlatChatMessage {
	return Flatten(r.Messages, nil)
}

// activeContainers returns the containers behind Flatten's entries, in the same order.
func activeContainers(containers []*MessageContainer) []*MessageContainer {
	ret := []*MessageContainer{}
	for _, c := range containers {
		switch alt := c.Active().(type) {
		case *MessageAlternative:
			ret = append(ret, c)
		case *BranchAlternative:
			ret = append(ret, activeContainers(alt.Messages)...)
		}
	}
	return ret
}

// IndexOfContainer returns the flat index of the container with the given ID, or -1.
func IndexOfContainer(flat []FlatChatMessage, id string) int {
	for i, m := range flat {
		if m.ContainerID == id {
			return i
		}
	}
	return -1
}
