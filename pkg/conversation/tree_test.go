package conversation

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(content string) *MessageAlternative {
	return NewMessageAlternative(content)
}

func container(role Role, alts ...Alternative) *MessageContainer {
	return NewMessageContainer(role, alts...)
}

func branch(containers ...*MessageContainer) *BranchAlternative {
	return &BranchAlternative{ID: NewID(), Messages: containers}
}

// nestedChat builds:
//
//	0 user "hello"
//	1 assistant [ "a0", "a1"* ]
//	2 user [ "plain", branch*{ user "b0", assistant [ "b1", branch*{ user "c0" } ] } ]
//	3 assistant "after"
func nestedChat() *RootChat {
	root := NewRootChat("test")
	inner := branch(container(RoleUser, msg("c0")))
	mid := container(RoleAssistant, msg("b1"), inner)
	mid.ActiveAlternative = 1
	outer := branch(container(RoleUser, msg("b0")), mid)
	c2 := container(RoleUser, msg("plain"), outer)
	c2.ActiveAlternative = 1
	c1 := container(RoleAssistant, msg("a0"), msg("a1"))
	c1.ActiveAlternative = 1
	root.Messages = []*MessageContainer{
		container(RoleUser, msg("hello")),
		c1,
		c2,
		container(RoleAssistant, msg("after")),
	}
	return root
}

func contents(flat []FlatChatMessage) []string {
	ret := make([]string, len(flat))
	for i, m := range flat {
		ret[i] = m.Content.Content
	}
	return ret
}

func countActiveMessages(containers []*MessageContainer) int {
	n := 0
	for _, c := range containers {
		switch alt := c.Active().(type) {
		case *MessageAlternative:
			n++
		case *BranchAlternative:
			n += countActiveMessages(alt.Messages)
		}
	}
	return n
}

func assertContainerInvariants(t *testing.T, containers []*MessageContainer) {
	t.Helper()
	for _, c := range containers {
		require.NotEmpty(t, c.Alternatives, "container %s", c.ID)
		require.GreaterOrEqual(t, c.ActiveAlternative, 0)
		require.Less(t, c.ActiveAlternative, len(c.Alternatives))
		for _, alt := range c.Alternatives {
			if b, ok := alt.(*BranchAlternative); ok {
				assertContainerInvariants(t, b.Messages)
			}
		}
	}
}

func TestFlattenFollowsActiveBranches(t *testing.T) {
	root := nestedChat()
	flat := root.Flatten()

	assert.Equal(t, []string{"hello", "a1", "b0", "c0", "after"}, contents(flat))
	assert.Equal(t, countActiveMessages(root.Messages), len(flat))

	assert.Equal(t, "0", flat[0].Path.String())
	assert.Equal(t, "2:1/0", flat[2].Path.String())
	assert.Equal(t, "2:1/1:1/0", flat[3].Path.String())
	assert.Equal(t, 2, flat[3].Depth)
	assert.Equal(t, 0, flat[4].Depth)
	assert.Equal(t, 2, flat[1].AvailableAlternativeCount)
	assert.Equal(t, 1, flat[1].ActiveAlternative)
}

func TestFlattenSkipsEmptyContainers(t *testing.T) {
	root := NewRootChat("")
	root.Messages = []*MessageContainer{
		container(RoleUser, msg("x")),
		{ID: "empty", Role: RoleUser, Alternatives: []Alternative{}, ActiveAlternative: -1},
		container(RoleAssistant, msg("y")),
	}
	assert.Equal(t, []string{"x", "y"}, contents(root.Flatten()))
}

func TestPathRoundTrip(t *testing.T) {
	flat := nestedChat().Flatten()
	for _, m := range flat {
		parsed, err := ParsePath(m.Path.String())
		require.NoError(t, err)
		assert.Equal(t, m.Path.String(), parsed.String())
	}
	_, err := ParsePath("1/x")
	assert.Error(t, err)
}

func TestFindContainerByPath(t *testing.T) {
	root := nestedChat()
	flat := root.Flatten()

	for i, m := range flat {
		loc, err := FindContainerByPath(root, m.Path)
		require.NoError(t, err, "entry %d", i)
		assert.Equal(t, m.ContainerID, loc.Container.ID)
	}

	t.Run("drift on switched alternative", func(t *testing.T) {
		root := nestedChat()
		path := root.Flatten()[3].Path
		root.Messages[2].ActiveAlternative = 0
		_, err := FindContainerByPath(root, path)
		assert.ErrorIs(t, err, ErrPathResolution)
	})

	t.Run("out of bounds", func(t *testing.T) {
		_, err := FindContainerByPath(root, PathInfo{{ContainerIndex: 9}})
		assert.ErrorIs(t, err, ErrPathResolution)
	})
}

func TestFindActiveLeafContainerDescendsToDeepestBranch(t *testing.T) {
	root := NewRootChat("")
	inner := branch(container(RoleUser, msg("deep")))
	outer := branch(container(RoleUser, msg("x")), container(RoleAssistant, inner))
	root.Messages = []*MessageContainer{container(RoleUser, outer)}

	leaf := FindActiveLeafContainer(root)
	require.Len(t, *leaf, 1)
	assert.Same(t, inner.Messages[0], (*leaf)[0])
}

func TestFindContainerByIDSearchesInactiveAlternatives(t *testing.T) {
	root := nestedChat()
	root.Messages[2].ActiveAlternative = 0
	hidden := root.Messages[2].Alternatives[1].(*BranchAlternative).Messages[1]

	loc, err := FindContainerByID(root, hidden.ID)
	require.NoError(t, err)
	assert.Same(t, hidden, loc.Container)
	assert.Equal(t, 1, loc.Index)

	_, err = FindContainerByID(root, "missing")
	assert.ErrorIs(t, err, ErrPathResolution)
}

func TestCloneAlternativeAssignsFreshIDs(t *testing.T) {
	root := nestedChat()
	orig := root.Messages[2].Alternatives[1].(*BranchAlternative)
	cp := CloneAlternative(orig).(*BranchAlternative)

	assert.NotEqual(t, orig.ID, cp.ID)
	ids := map[string]bool{}
	var collect func([]*MessageContainer)
	collect = func(cs []*MessageContainer) {
		for _, c := range cs {
			ids[c.ID] = true
			for _, a := range c.Alternatives {
				ids[a.AlternativeID()] = true
				if b, ok := a.(*BranchAlternative); ok {
					collect(b.Messages)
				}
			}
		}
	}
	collect(orig.Messages)
	var check func([]*MessageContainer)
	check = func(cs []*MessageContainer) {
		for _, c := range cs {
			assert.False(t, ids[c.ID], "container id reused")
			for _, a := range c.Alternatives {
				assert.False(t, ids[a.AlternativeID()], "alternative id reused")
				if b, ok := a.(*BranchAlternative); ok {
					check(b.Messages)
				}
			}
		}
	}
	check(cp.Messages)

	cp.Messages[0].Alternatives[0].(*MessageAlternative).Content = "changed"
	assert.Equal(t, "b0", orig.Messages[0].Alternatives[0].(*MessageAlternative).Content)
}

func TestAlternativeJSONRoundTrip(t *testing.T) {
	root := nestedChat()
	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"branch"`)
	assert.Contains(t, string(data), `"type":"message"`)

	decoded := &RootChat{}
	require.NoError(t, json.Unmarshal(data, decoded))

	diff := cmp.Diff(root, decoded,
		cmpopts.IgnoreFields(TimeInfo{}, "Start"),
		cmpopts.IgnoreFields(RootChat{}, "CreateDate", "ModificationDate"),
		cmpopts.EquateEmpty(),
	)
	assert.Empty(t, diff)
}

func TestContainerDecodingClampsActiveIndex(t *testing.T) {
	c := &MessageContainer{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "c", "role": "user", "activeAlternative": 7,
		"alternatives": [{"id": "a", "content": "x"}, {"type": "message", "id": "b", "content": "y"}]
	}`), c))
	assert.Equal(t, 1, c.ActiveAlternative)

	empty := &MessageContainer{}
	require.NoError(t, json.Unmarshal([]byte(`{"id": "e", "role": "user", "alternatives": []}`), empty))
	assert.Equal(t, -1, empty.ActiveAlternative)

	bad := &MessageContainer{}
	assert.Error(t, json.Unmarshal([]byte(`{"id": "x", "alternatives": [{"type": "tool"}]}`), bad))
}
