package cmds

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const transcriptTemplate = `# {{ .Name | default "Untitled chat" }}
{{ range .Messages }}
## {{ .Index }}. {{ toString .Role | title }}{{ if gt .AvailableAlternativeCount 1 }} ({{ add1 .ActiveAlternative }}/{{ .AvailableAlternativeCount }}){{ end }}{{ if .Content.Meta.ModelName }} _{{ .Content.Meta.ModelName }}_{{ end }}

{{ .Content.Content | trim }}
{{ $reason := toString .Content.Meta.FinishReason }}{{ if and $reason (ne $reason "complete") }}
> {{ $reason }}{{ with .Content.Meta.Error }}: {{ . }}{{ end }}
{{ end }}{{ end }}`

type transcriptMessage struct {
	Index int
	conversation.FlatChatMessage
}

type transcript struct {
	Name     string
	Messages []transcriptMessage
}

// renderTranscript expands the transcript template over the active timeline.
func renderTranscript(root *conversation.RootChat) (string, error) {
	tmpl, err := template.New("transcript").Funcs(sprig.TxtFuncMap()).Parse(transcriptTemplate)
	if err != nil {
		return "", err
	}

	t := transcript{Name: root.Name}
	for i, m := range root.Flatten() {
		t.Messages = append(t.Messages, transcriptMessage{Index: i, FlatChatMessage: m})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, t); err != nil {
		return "", errors.Wrap(err, "could not render transcript")
	}
	return buf.String(), nil
}

func NewShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <chat>",
		Short: "Print the active timeline of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("output")
			switch format {
			case "json", "yaml":
				return writeStructured(cmd.OutOrStdout(), s.Flatten(), format)
			case "markdown", "":
			default:
				return errors.Errorf("unknown output format %q", format)
			}

			md, err := renderTranscript(s.Snapshot())
			if err != nil {
				return err
			}

			render, _ := cmd.Flags().GetString("render")
			if render == "auto" {
				render = "never"
				if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
					render = "always"
				}
			}
			if render == "always" {
				r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
				if err != nil {
					return err
				}
				md, err = r.Render(md)
				if err != nil {
					return err
				}
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		},
	}
	cmd.Flags().String("output", "markdown", "Output format (markdown, json, yaml)")
	cmd.Flags().String("render", "auto", "Render markdown for the terminal (auto, always, never)")
	return cmd
}
