package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/loom/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func counterFromFlags(cmd *cobra.Command) (*tokens.Counter, error) {
	model := viper.GetString("model")
	encoding, _ := cmd.Flags().GetString("encoding")
	backend, _ := cmd.Flags().GetString("backend")

	options := []tokens.Option{tokens.WithBackend(tokens.Backend(backend))}
	if encoding != "" {
		options = append(options, tokens.WithEncoding(encoding))
	} else {
		options = append(options, tokens.WithModel(model))
	}
	return tokens.NewCounter(options...)
}

func NewTokensCommand() *cobra.Command {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Commands related to tokens",
	}
	tokensCmd.PersistentFlags().String("encoding", "", "Encoding used for counting (default: from --model)")
	tokensCmd.PersistentFlags().String("backend", string(tokens.BackendTokenizer), "Tokenizer implementation (tokenizer, tiktoken)")

	countCmd := &cobra.Command{
		Use:   "count [file]...",
		Short: "Count the tokens of files, or of stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			counter, err := counterFromFlags(cmd)
			if err != nil {
				return err
			}

			inputs := args
			if len(inputs) == 0 {
				inputs = []string{"-"}
			}
			total := 0
			for _, path := range inputs {
				var b []byte
				if path == "-" {
					b, err = io.ReadAll(os.Stdin)
				} else {
					b, err = os.ReadFile(path)
				}
				if err != nil {
					return errors.Wrapf(err, "could not read %s", path)
				}
				n, err := counter.Count(cmd.Context(), string(b))
				if err != nil {
					return err
				}
				total += n
				if len(inputs) > 1 {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", path, n)
				}
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Encoding: %s\n", counter.Encoding())
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Total tokens: %d\n", total)
			return err
		},
	}

	chatCmd := &cobra.Command{
		Use:   "chat <chat>",
		Short: "Count the tokens of every message of the active timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			counter, err := counterFromFlags(cmd)
			if err != nil {
				return err
			}
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}

			total := 0
			for i, m := range s.Context().ActiveMessages {
				n, err := counter.Count(cmd.Context(), m.Content)
				if err != nil {
					return err
				}
				total += n
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d\n", i, m.Role, n)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Total tokens: %d\n", total)
			return err
		},
	}

	tokensCmd.AddCommand(countCmd, chatCmd)
	return tokensCmd
}
