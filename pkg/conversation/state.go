package conversation

import (
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ChangeEvent is delivered to observers after each successful mutation.
type ChangeEvent struct {
	Mutation string
	Version  int64
}

type Observer func(ev ChangeEvent)

// Session serializes access to a RootChat. The lock is held only for the
// synchronous part of a read or write; callers must never hold it across
// model, embedding or expression calls.
type Session struct {
	mu        sync.Mutex
	root      *RootChat
	version   int64
	observers []Observer
	now       func() time.Time
}

type SessionOption func(s *Session)

func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

func WithObserver(o Observer) SessionOption {
	return func(s *Session) {
		s.observers = append(s.observers, o)
	}
}

func NewSession(root *RootChat, options ...SessionOption) *Session {
	if root == nil {
		root = NewRootChat("")
	}
	s := &Session{
		root: root,
		now:  time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Observe registers an observer for subsequent mutations.
func (s *Session) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Apply runs a single mutation. Path resolution failures are logged and
// returned; the tree is left as it was.
func (s *Session) Apply(m Mutation) error {
	return s.Transact(m.Name(), m.Apply)
}

// ApplyAll applies mutations sequentially, stopping at the first failure.
func (s *Session) ApplyAll(muts ...Mutation) error {
	for _, m := range muts {
		if err := s.Apply(m); err != nil {
			return err
		}
	}
	return nil
}

// Transact runs fn under the session lock as one named mutation.
func (s *Session) Transact(name string, fn func(root *RootChat) error) error {
	s.mu.Lock()
	if err := fn(s.root); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrPathResolution) {
			log.Warn().Err(err).Str("mutation", name).Msg("mutation target not found, skipping")
		}
		return errors.Wrapf(err, "mutation %s failed", name)
	}
	s.root.ModificationDate = s.now()
	s.version++
	ev := ChangeEvent{Mutation: name, Version: s.version}
	observers := append([]Observer{}, s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o(ev)
	}
	return nil
}

// Read gives fn locked read access to the tree. fn must not retain references.
func (s *Session) Read(fn func(root *RootChat)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.root)
}

// Snapshot returns a deep copy of the chat.
func (s *Session) Snapshot() *RootChat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.Clone()
}

// Flatten returns the active timeline with message contents copied out of the tree.
func (s *Session) Flatten() []FlatChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	flat := s.root.Flatten()
	for i := range flat {
		flat[i].Content = clone.Clone(flat[i].Content).(*MessageAlternative)
	}
	return flat
}

// Context builds a context snapshot under the lock.
func (s *Session) Context(opts ...ContextOption) *ApiReadyContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CreateChatContext(s.root, opts...)
}

// PathOf returns the current path of flat index i.
func (s *Session) PathOf(i int) (PathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pathOf(s.root, i)
}

func pathOf(root *RootChat, i int) (PathInfo, error) {
	flat := root.Flatten()
	if i < 0 || i >= len(flat) {
		return nil, errors.Wrapf(ErrPathResolution, "flat index %d out of range [0,%d)", i, len(flat))
	}
	return flat[i].Path, nil
}

// applyAt resolves flat index i and applies the mutation built from its path
// in the same critical section.
func (s *Session) applyAt(i int, name string, build func(path PathInfo) Mutation) error {
	return s.Transact(name, func(root *RootChat) error {
		path, err := pathOf(root, i)
		if err != nil {
			return err
		}
		return build(path).Apply(root)
	})
}

func (s *Session) SwitchAlternative(i, alternative int) error {
	return s.applyAt(i, "switch_alternative", func(p PathInfo) Mutation { return MutateSwitchAlternative(p, alternative) })
}

func (s *Session) SetRole(i int, role Role) error {
	return s.applyAt(i, "set_role", func(p PathInfo) Mutation { return MutateSetRole(p, role) })
}

func (s *Session) RenameAlternative(i int, name string) error {
	return s.applyAt(i, "rename_alternative", func(p PathInfo) Mutation { return MutateRenameAlternative(p, name) })
}

func (s *Session) SetMessageContent(i int, content string) error {
	return s.applyAt(i, "set_message_content", func(p PathInfo) Mutation { return MutateSetMessageContent(p, content) })
}

func (s *Session) SetMessageMeta(i int, key MetaKey, value any) error {
	return s.applyAt(i, "set_message_meta", func(p PathInfo) Mutation { return MutateSetMessageMeta(p, key, value) })
}

func (s *Session) AddBlankMessage(i int, activate bool) error {
	return s.applyAt(i, "add_blank_message", func(p PathInfo) Mutation { return MutateAddBlankMessage(p, activate) })
}

func (s *Session) AddNewMessage(i int, content string, activate bool, opts ...MetaOption) error {
	return s.applyAt(i, "add_new_message", func(p PathInfo) Mutation { return MutateAddNewMessage(p, content, activate, opts...) })
}

func (s *Session) AddBlankBranch(i int, activate bool) error {
	return s.applyAt(i, "add_blank_branch", func(p PathInfo) Mutation { return MutateAddBlankBranch(p, activate) })
}

func (s *Session) AddNewBranch(i int, content string, activate bool) error {
	return s.applyAt(i, "add_new_branch", func(p PathInfo) Mutation { return MutateAddNewBranch(p, content, activate) })
}

func (s *Session) Fork(i int) error {
	return s.applyAt(i, "fork", MutateFork)
}

func (s *Session) AppendMessage(i int, opts ...MetaOption) error {
	return s.applyAt(i, "append_message", func(p PathInfo) Mutation { return MutateAppendMessage(p, opts...) })
}

func (s *Session) AppendMessageToLeaf(content string, role Role, opts ...MetaOption) error {
	return s.Apply(MutateAppendMessageToLeaf(content, role, opts...))
}

func (s *Session) DeleteAlternative(i int) error {
	return s.applyAt(i, "delete_alternative", MutateDeleteAlternative)
}

func (s *Session) DeleteContainer(i int) error {
	return s.applyAt(i, "delete_container", MutateDeleteContainer)
}
