package cmds

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/go-go-golems/loom/pkg/resources"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChat(t *testing.T, dir string) string {
	t.Helper()
	s := conversation.NewSession(conversation.NewRootChat("test"))
	require.NoError(t, s.AppendMessageToLeaf("hi", conversation.RoleUser))
	require.NoError(t, s.AppendMessageToLeaf("hello", conversation.RoleAssistant))
	path := filepath.Join(dir, "chat.json")
	require.NoError(t, conversation.SaveChat(path, s.Snapshot()))
	return path
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRenderTranscript(t *testing.T) {
	root := conversation.NewRootChat("Story")
	s := conversation.NewSession(root)
	require.NoError(t, s.AppendMessageToLeaf("hi", conversation.RoleUser))
	require.NoError(t, s.AppendMessageToLeaf("  partial  ", conversation.RoleAssistant))
	require.NoError(t, s.SetMessageMeta(1, conversation.MetaFinishReason, conversation.FinishReasonInterrupted))
	require.NoError(t, s.AddNewMessage(1, "other", false))

	md, err := renderTranscript(s.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, md, "# Story")
	assert.Contains(t, md, "## 0. User")
	assert.Contains(t, md, "## 1. Assistant (1/2)")
	assert.Contains(t, md, "\npartial\n")
	assert.Contains(t, md, "> interrupted")
}

func TestWriteStructuredYAML(t *testing.T) {
	var out bytes.Buffer
	err := writeStructured(&out, []pipeline.FinalMessage{{Role: conversation.RoleUser, Content: "hi"}}, "yaml")
	require.NoError(t, err)
	assert.Equal(t, "- content: hi\n  role: user\n", out.String())

	assert.Error(t, writeStructured(&out, 1, "xml"))
}

func TestContextCommandLeavesChatUntouched(t *testing.T) {
	dir := t.TempDir()
	chatPath := writeChat(t, dir)
	before, err := os.ReadFile(chatPath)
	require.NoError(t, err)

	resDir := filepath.Join(dir, "res")
	require.NoError(t, os.Mkdir(resDir, 0o755))
	writeJSON(t, filepath.Join(resDir, resources.FileName("ada", resources.TypeCharacter)), map[string]any{"name": "Ada"})
	p := preset.New()
	p.Name = "P"
	p.Variants = []preset.Variant{{ID: "v", Name: "Default", ModelRegex: ".*", Prompts: []preset.Prompt{
		{ID: "sys", Enabled: true, Role: conversation.RoleSystem, Content: "You are {{ character.name }}."},
		{ID: "chat", Enabled: true, Role: conversation.RoleUser, Content: "[[ CHAT ]]"},
	}}}
	writeJSON(t, filepath.Join(resDir, resources.FileName("p", resources.TypePreset)), p)

	viper.Set("resources", resDir)
	viper.Set("model", "gpt-4o")
	t.Cleanup(viper.Reset)

	out, err := execute(t, NewContextCommand(), chatPath)
	require.NoError(t, err)

	var dump struct {
		Flow     string `json:"flow"`
		Model    string `json:"model"`
		Preset   string `json:"preset"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	assert.Equal(t, "generate", dump.Flow)
	assert.Equal(t, "gpt-4o", dump.Model)
	assert.Equal(t, "P", dump.Preset)
	require.Len(t, dump.Messages, 3)
	assert.Equal(t, "You are Ada.", dump.Messages[0].Content)
	assert.Equal(t, "hi", dump.Messages[1].Content)
	assert.Equal(t, "assistant", dump.Messages[2].Role)

	after, err := os.ReadFile(chatPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEditCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")

	_, err := execute(t, NewEditCommand(), "init", path, "--first-message", "welcome")
	require.NoError(t, err)
	_, err = execute(t, NewEditCommand(), "append", path, "hi")
	require.NoError(t, err)
	_, err = execute(t, NewEditCommand(), "alternative", path, "0", "bonjour")
	require.NoError(t, err)
	_, err = execute(t, NewEditCommand(), "role", path, "1", "system")
	require.NoError(t, err)

	root, err := conversation.LoadChat(path)
	require.NoError(t, err)
	flat := root.Flatten()
	require.Len(t, flat, 2)
	assert.Equal(t, "bonjour", flat[0].Content.Content)
	assert.Equal(t, 2, flat[0].AvailableAlternativeCount)
	assert.Equal(t, conversation.RoleSystem, flat[1].Role)

	_, err = execute(t, NewEditCommand(), "delete", path, "5")
	assert.ErrorIs(t, err, conversation.ErrPathResolution)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, resources.FileName("ada", resources.TypeCharacter))
	writeJSON(t, good, map[string]any{"name": "Ada"})
	bad := filepath.Join(dir, resources.FileName("book", resources.TypeLorebook))
	writeJSON(t, bad, map[string]any{"name": "book"})

	out, err := execute(t, NewValidateCommand(), good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = execute(t, NewValidateCommand(), good, bad)
	assert.Error(t, err)
	assert.Contains(t, out, bad+":")

	_, err = execute(t, NewValidateCommand(), filepath.Join(dir, "plain.json"))
	assert.Error(t, err)
}
