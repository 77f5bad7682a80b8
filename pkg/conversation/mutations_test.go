package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pathAt(t *testing.T, root *RootChat, i int) PathInfo {
	t.Helper()
	p, err := pathOf(root, i)
	require.NoError(t, err)
	return p
}

func TestMutationsKeepContainerInvariants(t *testing.T) {
	root := nestedChat()

	steps := []func() Mutation{
		func() Mutation { return MutateAddBlankMessage(pathAt(t, root, 0), true) },
		func() Mutation { return MutateAddNewBranch(pathAt(t, root, 1), "branch start", true) },
		func() Mutation { return MutateFork(pathAt(t, root, 2)) },
		func() Mutation { return MutateDeleteAlternative(pathAt(t, root, 0)) },
		func() Mutation { return MutateAppendMessage(pathAt(t, root, 3)) },
		func() Mutation { return MutateAppendMessageToLeaf("tail", RoleAssistant) },
		func() Mutation { return MutateSwitchAlternative(pathAt(t, root, 1), 0) },
		func() Mutation { return MutateDeleteContainer(pathAt(t, root, 2)) },
	}
	for i, s := range steps {
		m := s()
		require.NoError(t, m.Apply(root), "step %d (%s)", i, m.Name())
		assertContainerInvariants(t, root.Messages)
		assert.Equal(t, countActiveMessages(root.Messages), len(root.Flatten()))
	}
}

func TestAppendMessageToLeafEndToEnd(t *testing.T) {
	root := NewRootChat("")
	assistant := container(RoleAssistant, msg("first"), msg("second"))
	assistant.ActiveAlternative = 1
	root.Messages = []*MessageContainer{container(RoleUser, msg("question")), assistant}

	require.NoError(t, MutateAppendMessageToLeaf("hi", RoleUser).Apply(root))

	flat := root.Flatten()
	require.Len(t, flat, 3)
	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleUser}, []Role{flat[0].Role, flat[1].Role, flat[2].Role})
	assert.Equal(t, []string{"question", "second", "hi"}, contents(flat))
	assert.Equal(t, "User", flat[2].Content.Meta.RenderInfo.CharacterName)
}

func TestAppendMessageToLeafTwiceCreatesDistinctContainers(t *testing.T) {
	root := NewRootChat("")
	m := MutateAppendMessageToLeaf("x", RoleUser)
	require.NoError(t, m.Apply(root))
	require.NoError(t, m.Apply(root))
	require.Len(t, root.Messages, 2)
	assert.NotEqual(t, root.Messages[0].ID, root.Messages[1].ID)
}

func TestAppendMessageInsertsAfterAddressedContainer(t *testing.T) {
	root := nestedChat()
	require.NoError(t, MutateAppendMessage(pathAt(t, root, 2)).Apply(root))

	outer := root.Messages[2].Alternatives[1].(*BranchAlternative)
	require.Len(t, outer.Messages, 3)
	m, ok := outer.Messages[1].ActiveMessage()
	require.True(t, ok)
	assert.Equal(t, RoleUser, outer.Messages[1].Role)
	assert.Equal(t, "", m.Content)
}

func TestDeleteAlternative(t *testing.T) {
	t.Run("rejects last alternative", func(t *testing.T) {
		root := nestedChat()
		err := MutateDeleteAlternative(pathAt(t, root, 0)).Apply(root)
		assert.ErrorIs(t, err, ErrLastAlternative)
		assert.Len(t, root.Messages[0].Alternatives, 1)
	})

	t.Run("activates previous", func(t *testing.T) {
		root := nestedChat()
		require.NoError(t, MutateDeleteAlternative(pathAt(t, root, 1)).Apply(root))
		c := root.Messages[1]
		require.Len(t, c.Alternatives, 1)
		assert.Equal(t, 0, c.ActiveAlternative)
		m, _ := c.ActiveMessage()
		assert.Equal(t, "a0", m.Content)
	})

	t.Run("first alternative stays at zero", func(t *testing.T) {
		root := nestedChat()
		root.Messages[1].ActiveAlternative = 0
		require.NoError(t, MutateDeleteAlternative(pathAt(t, root, 1)).Apply(root))
		m, _ := root.Messages[1].ActiveMessage()
		assert.Equal(t, "a1", m.Content)
	})
}

func TestForkCopiesActiveAlternative(t *testing.T) {
	root := nestedChat()
	before := root.Messages[1].Active().(*MessageAlternative)
	require.NoError(t, MutateFork(pathAt(t, root, 1)).Apply(root))

	c := root.Messages[1]
	require.Len(t, c.Alternatives, 3)
	assert.Equal(t, 2, c.ActiveAlternative)
	forked := c.Alternatives[2].(*MessageAlternative)
	assert.Equal(t, before.Content, forked.Content)
	assert.NotEqual(t, before.ID, forked.ID)
}

func TestMutationOnStalePathFails(t *testing.T) {
	root := nestedChat()
	path := pathAt(t, root, 3)
	require.NoError(t, MutateSwitchAlternative(PathInfo{{ContainerIndex: 2}}, 0).Apply(root))

	before := root.Clone()
	err := MutateSetMessageContent(path, "edited").Apply(root)
	assert.ErrorIs(t, err, ErrPathResolution)
	assert.Equal(t, contents(before.Flatten()), contents(root.Flatten()))
}

func TestSetMessageMeta(t *testing.T) {
	root := nestedChat()
	p := pathAt(t, root, 0)

	require.NoError(t, MutateSetMessageMeta(p, MetaModelName, "gpt-4o").Apply(root))
	require.NoError(t, MutateSetMessageMeta(p, MetaVariableChanges, []any{
		map[string]any{"accessChain": []any{"mood"}, "value": "happy"},
	}).Apply(root))

	m, _ := root.Messages[0].ActiveMessage()
	assert.Equal(t, "gpt-4o", m.Meta.ModelName)
	require.Len(t, m.Meta.VariableChanges, 1)
	assert.Equal(t, []string{"mood"}, m.Meta.VariableChanges[0].AccessChain)

	assert.Error(t, MutateSetMessageMeta(p, "bogus", 1).Apply(root))
	assert.Error(t, MutateSetMessageMeta(p, MetaSteps, "not a list").Apply(root))
}

func TestSetMessageContentOnBranchFails(t *testing.T) {
	root := nestedChat()
	p := pathAt(t, root, 2).Clone()
	p = p[:1]
	err := MutateSetMessageContent(p, "x").Apply(root)
	assert.ErrorIs(t, err, ErrNotMessage)
}

func TestRemoveAlternativeByID(t *testing.T) {
	root := nestedChat()
	c := root.Messages[1]
	added := NewMessageAlternative("draft")
	require.NoError(t, MutateAddAlternative(pathAt(t, root, 1), added, true).Apply(root))
	assert.Equal(t, 2, c.ActiveAlternative)

	// move the container to check that removal does not depend on its path
	root.Messages = append([]*MessageContainer{container(RoleSystem, msg("sys"))}, root.Messages...)

	require.NoError(t, MutateRemoveAlternativeByID(c.ID, added.ID, 1).Apply(root))
	assert.Len(t, c.Alternatives, 2)
	assert.Equal(t, 1, c.ActiveAlternative)

	err := MutateRemoveAlternativeByID(c.ID, added.ID, 1).Apply(root)
	assert.ErrorIs(t, err, ErrPathResolution)
}

func TestDeleteContainerByID(t *testing.T) {
	root := nestedChat()
	id := root.Messages[3].ID
	require.NoError(t, MutateDeleteContainerByID(id).Apply(root))
	assert.Equal(t, []string{"hello", "a1", "b0", "c0"}, contents(root.Flatten()))
	assert.ErrorIs(t, MutateDeleteContainerByID(id).Apply(root), ErrPathResolution)
}

func TestRenameAlternative(t *testing.T) {
	root := nestedChat()
	require.NoError(t, MutateRenameAlternative(PathInfo{{ContainerIndex: 2}}, "side quest").Apply(root))
	assert.Equal(t, "side quest", root.Messages[2].Active().AlternativeName())
}
