package orchestrator

import (
	"context"
	"sync"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Flow string

const (
	FlowGenerate   Flow = "generate"
	FlowRegenerate Flow = "regenerate"
	FlowPolish     Flow = "polish"
)

// Target identifies the message alternative a generation writes into.
type Target struct {
	ContainerID   string
	AlternativeID string
	// Detached targets live only in the handle, see PolishTarget.Draft.
	Detached bool
}

// PolishTarget selects what Polish rewrites: the message at flat index
// Index, or, when Draft is set, free text that is not part of the tree.
type PolishTarget struct {
	Index int
	Draft *Draft
}

type Draft struct {
	Role    conversation.Role
	Content string
}

// Handle is a prepared generation. Context is the conversation snapshot the
// prompt is built from.
type Handle struct {
	Flow      Flow
	Intention string
	Context   *conversation.ApiReadyContext
	Target    Target
	Draft     *Draft

	session  *conversation.Session
	detached *conversation.MessageAlternative
	removeFn func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	removed bool
}

// Remove excises the speculative node. It looks the node up by ID, so it
// still removes the right one after the tree changed. Removing twice is a no-op.
func (h *Handle) Remove() error {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return nil
	}
	h.removed = true
	h.mu.Unlock()

	if h.removeFn == nil {
		return nil
	}
	return h.removeFn()
}

// Cancel stops a running generation.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) setCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
}

// Message returns a copy of the target alternative in its current state.
func (h *Handle) Message() (*conversation.MessageAlternative, error) {
	var ret *conversation.MessageAlternative
	err := h.update("", func(alt *conversation.MessageAlternative) error {
		ret = clone.Clone(alt).(*conversation.MessageAlternative)
		return nil
	})
	return ret, err
}

// update runs fn on the target alternative. Tree targets are resolved by ID
// inside a session transaction named name; an empty name only reads.
func (h *Handle) update(name string, fn func(alt *conversation.MessageAlternative) error) error {
	if h.Target.Detached {
		h.mu.Lock()
		defer h.mu.Unlock()
		return fn(h.detached)
	}

	find := func(root *conversation.RootChat) error {
		_, alt, err := conversation.FindMessageAlternative(root, h.Target.ContainerID, h.Target.AlternativeID)
		if err != nil {
			return err
		}
		return fn(alt)
	}
	if name == "" {
		var err error
		h.session.Read(func(root *conversation.RootChat) {
			err = find(root)
		})
		return err
	}
	return h.session.Transact(name, find)
}

// PrepareGenerate appends an empty assistant container to the active leaf.
// The context covers the whole active timeline before it.
func (o *Orchestrator) PrepareGenerate() (*Handle, error) {
	alt := conversation.NewMessageAlternative("")
	c := conversation.NewMessageContainer(conversation.RoleAssistant, alt)

	var chatCtx *conversation.ApiReadyContext
	err := o.session.Transact("generate", func(root *conversation.RootChat) error {
		chatCtx = conversation.CreateChatContext(root)
		return conversation.MutateAppendContainerToLeaf(c).Apply(root)
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Flow:    FlowGenerate,
		Context: chatCtx,
		Target:  Target{ContainerID: c.ID, AlternativeID: alt.ID},
		session: o.session,
	}
	h.removeFn = func() error {
		return o.session.Apply(conversation.MutateDeleteContainerByID(c.ID))
	}
	return h, nil
}

// PrepareRegenerate pushes and activates a new alternative on the container
// at flat index i. The context ends right before that message.
func (o *Orchestrator) PrepareRegenerate(i int) (*Handle, error) {
	return o.prepareAlternative(FlowRegenerate, i)
}

// PreparePolish prepares a rewrite of an existing message, like
// PrepareRegenerate, or of a draft. A draft target is detached: the context
// is the whole active timeline and Remove has nothing to undo.
func (o *Orchestrator) PreparePolish(target PolishTarget) (*Handle, error) {
	if target.Draft == nil {
		h, err := o.prepareAlternative(FlowPolish, target.Index)
		if err != nil {
			return nil, err
		}
		h.Intention = string(FlowPolish)
		return h, nil
	}

	role := target.Draft.Role
	if role == "" {
		role = conversation.RoleUser
	}
	draft := &Draft{Role: role, Content: target.Draft.Content}
	alt := conversation.NewMessageAlternative("")
	c := conversation.NewMessageContainer(role, alt)

	return &Handle{
		Flow:      FlowPolish,
		Intention: string(FlowPolish),
		Context:   o.session.Context(),
		Target:    Target{ContainerID: c.ID, AlternativeID: alt.ID, Detached: true},
		Draft:     draft,
		session:   o.session,
		detached:  alt,
	}, nil
}

func (o *Orchestrator) prepareAlternative(flow Flow, i int) (*Handle, error) {
	alt := conversation.NewMessageAlternative("")

	var (
		chatCtx     *conversation.ApiReadyContext
		containerID string
		restore     int
	)
	err := o.session.Transact(string(flow), func(root *conversation.RootChat) error {
		flat := root.Flatten()
		if i < 0 || i >= len(flat) {
			return errors.Wrapf(conversation.ErrPathResolution, "flat index %d out of range [0,%d)", i, len(flat))
		}
		loc, err := conversation.FindContainerByPath(root, flat[i].Path)
		if err != nil {
			return err
		}
		containerID = loc.Container.ID
		restore = loc.Container.ActiveAlternative
		chatCtx = conversation.CreateChatContext(root, conversation.WithCutoff(i-1))
		return conversation.MutateAddAlternative(flat[i].Path, alt, true).Apply(root)
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Flow:    flow,
		Context: chatCtx,
		Target:  Target{ContainerID: containerID, AlternativeID: alt.ID},
		session: o.session,
	}
	h.removeFn = func() error {
		err := o.session.Apply(conversation.MutateRemoveAlternativeByID(containerID, alt.ID, restore))
		if err != nil {
			log.Warn().Err(err).Str("container", containerID).Str("alternative", alt.ID).Msg("could not remove generated alternative")
		}
		return err
	}
	return h, nil
}
