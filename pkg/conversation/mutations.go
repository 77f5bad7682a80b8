package conversation

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Mutation is a structural change to a chat. Apply re-resolves its target
// from the root every time it runs and leaves the tree untouched on error.
type Mutation interface {
	Apply(root *RootChat) error
	Name() string
}

// MetaKey names a field of MetaGenerateInfo settable through MutateSetMessageMeta.
type MetaKey string

const (
	MetaModelName         MetaKey = "modelName"
	MetaTimeInfo          MetaKey = "timeInfo"
	MetaRenderInfo        MetaKey = "renderInfo"
	MetaEmbedding         MetaKey = "embedding"
	MetaSteps             MetaKey = "steps"
	MetaVariableChanges   MetaKey = "variableChanges"
	MetaAttachedIntervals MetaKey = "attachedIntervals"
	MetaAttachedEndMarker MetaKey = "attachedEndMarker"
	MetaAdditionalParts   MetaKey = "additionalParts"
	MetaFinishReason      MetaKey = "finishReason"
)

type metaSetter func(m *MetaGenerateInfo, value any) error

var metaSetters = map[MetaKey]metaSetter{
	MetaModelName:         func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.ModelName, v) },
	MetaTimeInfo:          func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.TimeInfo, v) },
	MetaRenderInfo:        func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.RenderInfo, v) },
	MetaEmbedding:         func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.Embedding, v) },
	MetaSteps:             func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.Steps, v) },
	MetaVariableChanges:   func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.VariableChanges, v) },
	MetaAttachedIntervals: func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.AttachedIntervals, v) },
	MetaAttachedEndMarker: func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.AttachedEndMarker, v) },
	MetaAdditionalParts:   func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.AdditionalParts, v) },
	MetaFinishReason:      func(m *MetaGenerateInfo, v any) error { return assignMeta(&m.FinishReason, v) },
}

// assignMeta stores v into dst, converting through JSON when v is not
// already of the field's type (e.g. values decoded from a CLI flag).
func assignMeta[T any](dst *T, v any) error {
	if t, ok := v.(T); ok {
		*dst = t
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		return errors.Wrapf(err, "cannot convert %T", v)
	}
	*dst = t
	return nil
}

func resolve(root *RootChat, path PathInfo) (*Location, error) {
	loc, err := FindContainerByPath(root, path)
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func activeMessageAt(root *RootChat, path PathInfo) (*MessageAlternative, error) {
	loc, err := resolve(root, path)
	if err != nil {
		return nil, err
	}
	if len(loc.Container.Alternatives) == 0 {
		return nil, ErrEmptyAlternatives
	}
	m, ok := loc.Container.ActiveMessage()
	if !ok {
		return nil, ErrNotMessage
	}
	return m, nil
}

type switchAlternativeMutation struct {
	path  PathInfo
	index int
}

func (m switchAlternativeMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	if m.index < 0 || m.index >= len(loc.Container.Alternatives) {
		return errors.Errorf("alternative index %d out of range [0,%d)", m.index, len(loc.Container.Alternatives))
	}
	loc.Container.ActiveAlternative = m.index
	return nil
}

func (m switchAlternativeMutation) Name() string { return "switch_alternative" }

// MutateSwitchAlternative activates alternative index of the container at path.
func MutateSwitchAlternative(path PathInfo, index int) Mutation {
	return switchAlternativeMutation{path: path, index: index}
}

type setRoleMutation struct {
	path PathInfo
	role Role
}

func (m setRoleMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	loc.Container.Role = m.role
	return nil
}

func (m setRoleMutation) Name() string { return "set_role" }

func MutateSetRole(path PathInfo, role Role) Mutation {
	return setRoleMutation{path: path, role: role}
}

type renameAlternativeMutation struct {
	path PathInfo
	name string
}

func (m renameAlternativeMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	alt := loc.Container.Active()
	if alt == nil {
		return ErrEmptyAlternatives
	}
	alt.SetAlternativeName(m.name)
	return nil
}

func (m renameAlternativeMutation) Name() string { return "rename_alternative" }

// MutateRenameAlternative renames the active alternative, message or branch.
func MutateRenameAlternative(path PathInfo, name string) Mutation {
	return renameAlternativeMutation{path: path, name: name}
}

type setMessageContentMutation struct {
	path    PathInfo
	content string
}

func (m setMessageContentMutation) Apply(root *RootChat) error {
	msg, err := activeMessageAt(root, m.path)
	if err != nil {
		return err
	}
	msg.Content = m.content
	return nil
}

func (m setMessageContentMutation) Name() string { return "set_message_content" }

func MutateSetMessageContent(path PathInfo, content string) Mutation {
	return setMessageContentMutation{path: path, content: content}
}

type setMessageMetaMutation struct {
	path  PathInfo
	key   MetaKey
	value any
}

func (m setMessageMetaMutation) Apply(root *RootChat) error {
	set, ok := metaSetters[m.key]
	if !ok {
		return errors.Errorf("unknown meta key %q", m.key)
	}
	msg, err := activeMessageAt(root, m.path)
	if err != nil {
		return err
	}
	meta := msg.Meta
	if err := set(&meta, m.value); err != nil {
		return errors.Wrapf(err, "meta key %s", m.key)
	}
	msg.Meta = meta
	return nil
}

func (m setMessageMetaMutation) Name() string { return "set_message_meta" }

// MutateSetMessageMeta replaces one metadata field of the active message alternative.
func MutateSetMessageMeta(path PathInfo, key MetaKey, value any) Mutation {
	return setMessageMetaMutation{path: path, key: key, value: value}
}

type addAlternativeMutation struct {
	path     PathInfo
	newAlt   func() Alternative
	activate bool
	name     string
}

func (m addAlternativeMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	c := loc.Container
	c.Alternatives = append(c.Alternatives, m.newAlt())
	if m.activate || c.ActiveAlternative < 0 {
		c.ActiveAlternative = len(c.Alternatives) - 1
	}
	return nil
}

func (m addAlternativeMutation) Name() string { return m.name }

// MutateAddAlternative pushes alt onto the container at path.
func MutateAddAlternative(path PathInfo, alt Alternative, activate bool) Mutation {
	return addAlternativeMutation{
		path:     path,
		newAlt:   func() Alternative { return alt },
		activate: activate,
		name:     "add_alternative",
	}
}

func MutateAddBlankMessage(path PathInfo, activate bool) Mutation {
	return addAlternativeMutation{
		path:     path,
		newAlt:   func() Alternative { return NewMessageAlternative("") },
		activate: activate,
		name:     "add_blank_message",
	}
}

func MutateAddNewMessage(path PathInfo, content string, activate bool, opts ...MetaOption) Mutation {
	return addAlternativeMutation{
		path:     path,
		newAlt:   func() Alternative { return NewMessageAlternative(content, opts...) },
		activate: activate,
		name:     "add_new_message",
	}
}

func MutateAddBlankBranch(path PathInfo, activate bool) Mutation {
	return addAlternativeMutation{
		path:     path,
		newAlt:   func() Alternative { return NewBranchAlternative("") },
		activate: activate,
		name:     "add_blank_branch",
	}
}

func MutateAddNewBranch(path PathInfo, content string, activate bool) Mutation {
	return addAlternativeMutation{
		path:     path,
		newAlt:   func() Alternative { return NewBranchAlternative(content) },
		activate: activate,
		name:     "add_new_branch",
	}
}

type forkMutation struct {
	path PathInfo
}

func (m forkMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	active := loc.Container.Active()
	if active == nil {
		return ErrEmptyAlternatives
	}
	c := loc.Container
	c.Alternatives = append(c.Alternatives, CloneAlternative(active))
	c.ActiveAlternative = len(c.Alternatives) - 1
	return nil
}

func (m forkMutation) Name() string { return "fork" }

// MutateFork deep-copies the active alternative under fresh IDs and activates the copy.
func MutateFork(path PathInfo) Mutation {
	return forkMutation{path: path}
}

type appendMessageMutation struct {
	path    PathInfo
	role    Role
	content string
	opts    []MetaOption
}

func (m appendMessageMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	opts := m.opts
	if m.role == RoleUser {
		opts = append(append([]MetaOption{}, userMeta...), opts...)
	}
	c := NewMessageContainer(m.role, NewMessageAlternative(m.content, opts...))
	owner := *loc.Owner
	at := loc.Index + 1
	owner = append(owner, nil)
	copy(owner[at+1:], owner[at:])
	owner[at] = c
	*loc.Owner = owner
	return nil
}

func (m appendMessageMutation) Name() string { return "append_message" }

// MutateAppendMessage inserts an empty user container right after the
// container at path, in the same owning array.
func MutateAppendMessage(path PathInfo, opts ...MetaOption) Mutation {
	return appendMessageMutation{path: path, role: RoleUser, opts: opts}
}

// MutateInsertMessageAfter is MutateAppendMessage with a role and content.
func MutateInsertMessageAfter(path PathInfo, role Role, content string, opts ...MetaOption) Mutation {
	return appendMessageMutation{path: path, role: role, content: content, opts: opts}
}

type appendToLeafMutation struct {
	newContainer func() *MessageContainer
}

func (m appendToLeafMutation) Apply(root *RootChat) error {
	if root == nil {
		return errors.Wrap(ErrPathResolution, "chat is nil")
	}
	leaf := FindActiveLeafContainer(root)
	*leaf = append(*leaf, m.newContainer())
	return nil
}

func (m appendToLeafMutation) Name() string { return "append_message_to_leaf" }

// MutateAppendMessageToLeaf pushes a new container onto the array at the end
// of the active timeline.
func MutateAppendMessageToLeaf(content string, role Role, opts ...MetaOption) Mutation {
	if role == "" {
		role = RoleUser
	}
	if role == RoleUser {
		opts = append(append([]MetaOption{}, userMeta...), opts...)
	}
	return appendToLeafMutation{newContainer: func() *MessageContainer {
		return NewMessageContainer(role, NewMessageAlternative(content, opts...))
	}}
}

// MutateAppendContainerToLeaf pushes an existing container onto the active leaf array.
func MutateAppendContainerToLeaf(c *MessageContainer) Mutation {
	return appendToLeafMutation{newContainer: func() *MessageContainer { return c }}
}

type deleteAlternativeMutation struct {
	path PathInfo
}

func (m deleteAlternativeMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	c := loc.Container
	if len(c.Alternatives) == 0 {
		return ErrEmptyAlternatives
	}
	if len(c.Alternatives) == 1 {
		return ErrLastAlternative
	}
	active := c.ActiveAlternative
	c.Alternatives = append(c.Alternatives[:active], c.Alternatives[active+1:]...)
	c.ActiveAlternative = max(0, active-1)
	return nil
}

func (m deleteAlternativeMutation) Name() string { return "delete_alternative" }

// MutateDeleteAlternative removes the active alternative and activates the
// one before it. The only alternative of a container cannot be deleted.
func MutateDeleteAlternative(path PathInfo) Mutation {
	return deleteAlternativeMutation{path: path}
}

type deleteContainerMutation struct {
	path PathInfo
}

func (m deleteContainerMutation) Apply(root *RootChat) error {
	loc, err := resolve(root, m.path)
	if err != nil {
		return err
	}
	removeAt(loc)
	return nil
}

func (m deleteContainerMutation) Name() string { return "delete_container" }

func MutateDeleteContainer(path PathInfo) Mutation {
	return deleteContainerMutation{path: path}
}

type deleteContainerByIDMutation struct {
	id string
}

func (m deleteContainerByIDMutation) Apply(root *RootChat) error {
	loc, err := FindContainerByID(root, m.id)
	if err != nil {
		return err
	}
	removeAt(loc)
	return nil
}

func (m deleteContainerByIDMutation) Name() string { return "delete_container_by_id" }

// MutateDeleteContainerByID removes a container wherever it currently sits.
func MutateDeleteContainerByID(id string) Mutation {
	return deleteContainerByIDMutation{id: id}
}

type removeAlternativeByIDMutation struct {
	containerID   string
	alternativeID string
	restoreActive int
}

func (m removeAlternativeByIDMutation) Apply(root *RootChat) error {
	loc, err := FindContainerByID(root, m.containerID)
	if err != nil {
		return err
	}
	c := loc.Container
	idx := c.AlternativeIndex(m.alternativeID)
	if idx < 0 {
		return errors.Wrapf(ErrPathResolution, "alternative %s not found", m.alternativeID)
	}
	if len(c.Alternatives) == 1 {
		return ErrLastAlternative
	}
	c.Alternatives = append(c.Alternatives[:idx], c.Alternatives[idx+1:]...)
	if m.restoreActive >= 0 && m.restoreActive < len(c.Alternatives) {
		c.ActiveAlternative = m.restoreActive
	} else {
		c.ActiveAlternative = max(0, len(c.Alternatives)-1)
	}
	return nil
}

func (m removeAlternativeByIDMutation) Name() string { return "remove_alternative_by_id" }

// MutateRemoveAlternativeByID removes an alternative found by ID and then
// activates restoreActive when it is still in range, else the last alternative.
func MutateRemoveAlternativeByID(containerID, alternativeID string, restoreActive int) Mutation {
	return removeAlternativeByIDMutation{containerID: containerID, alternativeID: alternativeID, restoreActive: restoreActive}
}

func removeAt(loc *Location) {
	owner := *loc.Owner
	*loc.Owner = append(owner[:loc.Index], owner[loc.Index+1:]...)
}
