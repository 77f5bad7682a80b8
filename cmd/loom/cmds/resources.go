package cmds

import (
	"fmt"

	"github.com/go-go-golems/loom/pkg/expr"
	"github.com/go-go-golems/loom/pkg/lorebook"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/resources"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "schema <type>",
		Short:     "Print the JSON schema of a resource type",
		Args:      cobra.ExactArgs(1),
		ValidArgs: typeNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resources.Schema(resources.Type(args[0]))
			if err != nil {
				return err
			}
			return writeStructured(cmd.OutOrStdout(), s, "json")
		},
	}
}

func typeNames() []string {
	ret := make([]string, 0, len(resources.Types))
	for _, t := range resources.Types {
		ret = append(ret, string(t))
	}
	return ret
}

func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check resource files against the schema of their type",
		Long: `The type is taken from the file name (name.[type].json) unless --type is
given. Every file is checked, the command fails if one of them is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			forced, _ := cmd.Flags().GetString("type")

			failed := 0
			for _, path := range args {
				t := resources.Type(forced)
				if t == "" {
					_, parsed, ok := resources.ParseFileName(path)
					if !ok {
						return errors.Errorf("cannot tell the type of %s, use --type", path)
					}
					t = parsed
				}
				data, err := resources.ReadFile(path)
				if err == nil {
					err = resources.Validate(t, data)
				}
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, err)
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return errors.Errorf("%d of %d files are invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().String("type", "", "Resource type of every file")
	return cmd
}

type activationRow struct {
	Book     string `json:"book"`
	Entry    string `json:"entry"`
	ID       string `json:"id"`
	Depth    int    `json:"depth"`
	Position string `json:"position"`
}

func NewLorebookCommand() *cobra.Command {
	lorebookCmd := &cobra.Command{
		Use:   "lorebook",
		Short: "Inspect the lorebooks of the resource directory",
	}

	scanCmd := &cobra.Command{
		Use:   "scan <chat>",
		Short: "List the entries the active timeline activates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}
			snapshot, err := loadResources()
			if err != nil {
				return err
			}
			books := snapshot.LorebookContents()
			if len(books) == 0 {
				log.Warn().Msg("no lorebooks loaded, set --resources")
			}

			engine, err := expr.NewGojaEngine()
			if err != nil {
				return err
			}
			scanner := lorebook.NewScanner(engine, books)
			base := map[string]any{"character": snapshot.CharacterEnv()}
			res, err := scanner.Scan(cmd.Context(), pipeline.New(s.Context()), snapshot.Setting.Lorebook, base)
			if err != nil {
				return err
			}

			rows := []activationRow{}
			for _, a := range res.Activated {
				rows = append(rows, activationRow{
					Book:     a.Book.Name,
					Entry:    a.Entry.Name,
					ID:       a.Entry.ID,
					Depth:    a.Depth,
					Position: a.Entry.ActivationEffect.Position.String(),
				})
			}

			format, _ := cmd.Flags().GetString("output")
			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), rows, format)
			}
			for _, r := range rows {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s/%s\t%s\n", r.Depth, r.Book, r.Entry, r.Position)
			}
			return nil
		},
	}
	scanCmd.Flags().String("output", "text", "Output format (text, json, yaml)")

	lorebookCmd.AddCommand(scanCmd)
	return lorebookCmd
}
