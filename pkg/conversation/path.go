package conversation

import (
	"github.com/pkg/errors"
)

var (
	// ErrPathResolution is returned when a path or ID no longer resolves to a node.
	ErrPathResolution = errors.New("path does not resolve to a container")
	// ErrLastAlternative is returned when deleting the only alternative of a container.
	ErrLastAlternative = errors.New("cannot delete the last alternative")
	// ErrEmptyAlternatives is returned when a container has no alternatives to act on.
	ErrEmptyAlternatives = errors.New("container has no alternatives")
	// ErrNotMessage is returned when an operation needs a message alternative but found a branch.
	ErrNotMessage = errors.New("active alternative is not a message")
)

// Location is a resolved container together with the array that owns it.
// Owner points at the slice field so that splices are visible to the tree.
type Location struct {
	Container *MessageContainer
	Owner     *[]*MessageContainer
	Index     int
}

// FindContainerByPath walks path from the root. Every segment but the last
// must land on a container whose active alternative is a branch; when the
// segment recorded an alternative index or branch ID those must still match.
func FindContainerByPath(root *RootChat, path PathInfo) (*Location, error) {
	if root == nil {
		return nil, errors.Wrap(ErrPathResolution, "chat is nil")
	}
	if len(path) == 0 {
		return nil, errors.Wrap(ErrPathResolution, "empty path")
	}

	owner := &root.Messages
	for i, seg := range path {
		if seg.ContainerIndex < 0 || seg.ContainerIndex >= len(*owner) {
			return nil, errors.Wrapf(ErrPathResolution, "index %d out of bounds at segment %d (path %s)",
				seg.ContainerIndex, i, path)
		}
		container := (*owner)[seg.ContainerIndex]
		if i == len(path)-1 {
			return &Location{Container: container, Owner: owner, Index: seg.ContainerIndex}, nil
		}

		branch, ok := container.Active().(*BranchAlternative)
		if !ok {
			return nil, errors.Wrapf(ErrPathResolution, "segment %d is not an active branch (path %s)", i, path)
		}
		if seg.AlternativeIndex != nil && *seg.AlternativeIndex != container.ActiveAlternative {
			return nil, errors.Wrapf(ErrPathResolution, "segment %d expected alternative %d, active is %d",
				i, *seg.AlternativeIndex, container.ActiveAlternative)
		}
		if seg.BranchID != "" && seg.BranchID != branch.ID {
			return nil, errors.Wrapf(ErrPathResolution, "segment %d expected branch %s, found %s",
				i, seg.BranchID, branch.ID)
		}
		owner = &branch.Messages
	}
	return nil, errors.Wrap(ErrPathResolution, "unreachable")
}

// FindActiveLeafContainer returns the array at the end of the active
// timeline: starting from the root it keeps following the last container
// while that container's active alternative is a branch, down to the deepest one.
func FindActiveLeafContainer(root *RootChat) *[]*MessageContainer {
	owner := &root.Messages
	for {
		if len(*owner) == 0 {
			return owner
		}
		last := (*owner)[len(*owner)-1]
		branch, ok := last.Active().(*BranchAlternative)
		if !ok {
			return owner
		}
		owner = &branch.Messages
	}
}

// FindContainerByID searches the whole tree, including inactive alternatives.
func FindContainerByID(root *RootChat, id string) (*Location, error) {
	if root == nil {
		return nil, errors.Wrap(ErrPathResolution, "chat is nil")
	}
	if loc := findByID(&root.Messages, id); loc != nil {
		return loc, nil
	}
	return nil, errors.Wrapf(ErrPathResolution, "container %s not found", id)
}

func findByID(owner *[]*MessageContainer, id string) *Location {
	for i, c := range *owner {
		if c.ID == id {
			return &Location{Container: c, Owner: owner, Index: i}
		}
		for _, alt := range c.Alternatives {
			if b, ok := alt.(*BranchAlternative); ok {
				if loc := findByID(&b.Messages, id); loc != nil {
					return loc
				}
			}
		}
	}
	return nil
}

// FindMessageAlternative resolves a message alternative by container and alternative ID.
func FindMessageAlternative(root *RootChat, containerID, alternativeID string) (*MessageContainer, *MessageAlternative, error) {
	loc, err := FindContainerByID(root, containerID)
	if err != nil {
		return nil, nil, err
	}
	idx := loc.Container.AlternativeIndex(alternativeID)
	if idx < 0 {
		return nil, nil, errors.Wrapf(ErrPathResolution, "alternative %s not found in container %s", alternativeID, containerID)
	}
	m, ok := loc.Container.Alternatives[idx].(*MessageAlternative)
	if !ok {
		return nil, nil, errors.Wrapf(ErrNotMessage, "alternative %s", alternativeID)
	}
	return loc.Container, m, nil
}
