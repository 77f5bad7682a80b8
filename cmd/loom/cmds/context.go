package cmds

import (
	"context"

	"github.com/go-go-golems/loom/pkg/ai"
	"github.com/go-go-golems/loom/pkg/orchestrator"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type promptDump struct {
	Flow     orchestrator.Flow       `json:"flow"`
	Model    string                  `json:"model"`
	Preset   string                  `json:"preset,omitempty"`
	Variant  string                  `json:"variant,omitempty"`
	Params   preset.GenerationParams `json:"params"`
	Messages []pipeline.FinalMessage `json:"messages"`
	Lorebook []string                `json:"activatedEntries,omitempty"`
}

// offlineClient refuses every call. The context command never reaches the
// model, it only needs a client to build the orchestrator.
type offlineClient struct{}

var errOffline = errors.New("model calls are disabled")

func (offlineClient) GenerateText(context.Context, ai.Request) (*ai.Response, error) {
	return nil, errOffline
}

func (offlineClient) StreamText(context.Context, ai.Request) (<-chan ai.Chunk, error) {
	return nil, errOffline
}

func (offlineClient) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errOffline
}

// capturePrompt replaces the model call and records the finished request.
func capturePrompt(dump *promptDump) orchestrator.StepFunc {
	return func(ctx context.Context, o *orchestrator.Orchestrator, x *orchestrator.Execution) error {
		if x.Request == nil {
			return errors.New("no request was built")
		}
		dump.Flow = x.Handle.Flow
		dump.Model = x.Request.Model
		dump.Params = x.Request.Params
		dump.Messages = x.Request.Messages
		if x.Preset != nil {
			dump.Preset = x.Preset.Preset().Name
		}
		if x.Variant != nil {
			dump.Variant = x.Variant.Name
		}
		for _, a := range x.Lorebook.Activated {
			dump.Lorebook = append(dump.Lorebook, a.Book.Name+"/"+a.Entry.Name)
		}
		return nil
	}
}

func NewContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context <chat>",
		Short: "Print the prompt a generation would send, without calling the model",
		Long: `Builds the prompt for a generation, regeneration (--regenerate i) or
polish (--polish i, or --draft) exactly as the generate commands do, prints it
and leaves the chat file untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}
			snapshot, err := loadResources()
			if err != nil {
				return err
			}

			dump := &promptDump{}
			sequence := []orchestrator.StepName{
				orchestrator.StepInitPreset,
				orchestrator.StepApplyRegex,
				orchestrator.StepPresetDepthMessages,
				orchestrator.StepMergeDepth,
				orchestrator.StepPresetTemplate,
				orchestrator.StepWriteMessageParams,
				orchestrator.StepWriteMessageContent,
			}
			o, err := newOrchestrator(s, snapshot, orchestratorSettings{
				client: offlineClient{},
				extra: []orchestrator.Option{
					orchestrator.WithStep(orchestrator.StepWriteMessageContent, capturePrompt(dump)),
					orchestrator.WithSequence(sequence...),
				},
			})
			if err != nil {
				return err
			}

			h, err := prepareFromFlags(cmd, o)
			if err != nil {
				return err
			}
			defer func() {
				_ = h.Remove()
			}()

			if err := o.Run(cmd.Context(), h); err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("output")
			return writeStructured(cmd.OutOrStdout(), dump, format)
		},
	}
	cmd.Flags().Int("regenerate", -1, "Build the prompt for regenerating the message at this index")
	cmd.Flags().Int("polish", -1, "Build the prompt for polishing the message at this index")
	cmd.Flags().String("draft", "", "Build the prompt for polishing this text")
	cmd.Flags().String("role", "user", "Role of the draft")
	cmd.Flags().String("output", "json", "Output format (json, yaml)")
	return cmd
}

// prepareFromFlags picks the flow from --regenerate, --polish and --draft,
// defaulting to a new message.
func prepareFromFlags(cmd *cobra.Command, o *orchestrator.Orchestrator) (*orchestrator.Handle, error) {
	regenerate, _ := cmd.Flags().GetInt("regenerate")
	polish, _ := cmd.Flags().GetInt("polish")
	draft, _ := cmd.Flags().GetString("draft")
	role, _ := cmd.Flags().GetString("role")

	switch {
	case regenerate >= 0:
		return o.PrepareRegenerate(regenerate)
	case polish >= 0:
		return o.PreparePolish(orchestrator.PolishTarget{Index: polish})
	case draft != "":
		return o.PreparePolish(orchestrator.PolishTarget{Draft: &orchestrator.Draft{Role: toRole(role), Content: draft}})
	default:
		return o.PrepareGenerate()
	}
}
