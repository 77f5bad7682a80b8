package cmds

import (
	"strconv"
	"strings"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func toRole(s string) conversation.Role {
	switch strings.ToLower(s) {
	case "system":
		return conversation.RoleSystem
	case "assistant":
		return conversation.RoleAssistant
	default:
		return conversation.RoleUser
	}
}

// editCommand builds a subcommand that loads the chat, applies fn to the
// session and saves it back.
func editCommand(use, short string, nargs int, fn func(s *conversation.Session, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs + 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}
			if err := fn(s, args[1:]); err != nil {
				return err
			}
			return saveSession(args[0], s)
		},
	}
}

func NewEditCommand() *cobra.Command {
	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Change the structure of a chat file",
	}

	appendCmd := &cobra.Command{
		Use:   "append <chat> <content>",
		Short: "Append a message to the active leaf",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}
			if err := s.AppendMessageToLeaf(args[1], toRole(role)); err != nil {
				return err
			}
			return saveSession(args[0], s)
		},
	}
	appendCmd.Flags().String("role", string(conversation.RoleUser), "Role of the message")

	editCmd.AddCommand(
		appendCmd,
		editCommand("set <chat> <index> <content>", "Replace the content of the message at index", 2,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.SetMessageContent(i, args[1])
			}),
		editCommand("role <chat> <index> <role>", "Change the role of the message at index", 2,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.SetRole(i, toRole(args[1]))
			}),
		editCommand("switch <chat> <index> <alternative>", "Activate another alternative of the message at index", 2,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				alt, err := strconv.Atoi(args[1])
				if err != nil {
					return errors.Wrapf(err, "invalid alternative %q", args[1])
				}
				return s.SwitchAlternative(i, alt)
			}),
		editCommand("rename <chat> <index> <name>", "Name the active alternative of the message at index", 2,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.RenameAlternative(i, args[1])
			}),
		editCommand("alternative <chat> <index> <content>", "Add and activate a new alternative with content", 2,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.AddNewMessage(i, args[1], true)
			}),
		editCommand("branch <chat> <index>", "Add a new branch alternative at index", 1,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.AddBlankBranch(i, true)
			}),
		editCommand("fork <chat> <index>", "Copy the active alternative at index under fresh IDs and activate the copy", 1,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.Fork(i)
			}),
		editCommand("delete-alternative <chat> <index>", "Delete the active alternative of the message at index", 1,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.DeleteAlternative(i)
			}),
		editCommand("delete <chat> <index>", "Delete the message at index with all its alternatives", 1,
			func(s *conversation.Session, args []string) error {
				i, err := parseIndex(args[0])
				if err != nil {
					return err
				}
				return s.DeleteContainer(i)
			}),
	)
	editCmd.AddCommand(newInitCommand())
	return editCmd
}

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <chat>",
		Short: "Create an empty chat file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			root := conversation.NewRootChat(name)
			if first, _ := cmd.Flags().GetString("first-message"); first != "" {
				s := conversation.NewSession(root)
				if err := s.AppendMessageToLeaf(first, conversation.RoleAssistant); err != nil {
					return err
				}
				root = s.Snapshot()
			}
			return conversation.SaveChat(args[0], root)
		},
	}
	cmd.Flags().String("name", "New Chat", "Name of the chat")
	cmd.Flags().String("first-message", "", "Assistant greeting to start with")
	return cmd
}
