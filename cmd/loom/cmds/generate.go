package cmds

import (
	"context"
	"os"
	"os/signal"
	"strconv"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/events"
	"github.com/go-go-golems/loom/pkg/orchestrator"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const eventTopic = "chat"

type prepareFunc func(o *orchestrator.Orchestrator) (*orchestrator.Handle, error)

// runFlow prepares a generation, streams its events to stdout and saves the
// chat. Ctrl-C interrupts the model call and keeps what was received.
func runFlow(cmd *cobra.Command, chatPath string, prepare prepareFunc) error {
	s, err := loadSession(chatPath)
	if err != nil {
		return err
	}
	snapshot, err := loadResources()
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	printRaw, _ := cmd.Flags().GetBool("print-raw-events")
	if printRaw {
		router.AddHandler("raw", eventTopic, router.DumpRawEvents(cmd.OutOrStdout()))
	} else {
		name := ""
		if c, ok := snapshot.Character(); ok {
			name = c.Content.Name
		}
		router.AddHandler("printer", eventTopic, events.StepPrinterFunc(name, cmd.OutOrStdout()))
	}

	reg := prometheus.NewRegistry()
	o, err := newOrchestrator(s, snapshot, orchestratorSettings{
		sink: router.Sink(eventTopic),
		reg:  reg,
	})
	if err != nil {
		return err
	}

	h, err := prepare(o)
	if err != nil {
		return err
	}

	// the router outlives an interrupted generation so the interrupt event
	// is still printed
	routerCtx, cancelRouter := context.WithCancel(cmd.Context())
	defer cancelRouter()
	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var runErr error
	eg, egCtx := errgroup.WithContext(routerCtx)
	eg.Go(func() error {
		return router.Run(egCtx)
	})
	eg.Go(func() error {
		defer cancelRouter()
		select {
		case <-router.Running():
		case <-egCtx.Done():
			return egCtx.Err()
		}
		runErr = o.Run(runCtx, h)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	logMetrics(reg)

	discard, _ := cmd.Flags().GetBool("discard-on-error")
	if runErr != nil && discard {
		if err := h.Remove(); err != nil {
			log.Warn().Err(err).Msg("could not remove failed generation")
		}
	}

	if h.Target.Detached {
		// drafts are not part of the chat, there is nothing to save
		return runErr
	}

	saveTo, _ := cmd.Flags().GetString("save-to")
	if saveTo == "" {
		saveTo = chatPath
	}
	if err := saveSession(saveTo, s); err != nil {
		if runErr != nil {
			log.Error().Err(err).Msg("could not save chat")
			return runErr
		}
		return err
	}
	return runErr
}

func addFlowFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("print-raw-events", false, "Print generation events as JSON instead of the text")
	cmd.Flags().Bool("discard-on-error", false, "Remove the generated message when the model call fails")
	cmd.Flags().String("save-to", "", "Write the chat to this file instead of the input file")
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid message index %q", s)
	}
	return i, nil
}

func NewGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <chat>",
		Short: "Append a reply to the active timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			role, _ := cmd.Flags().GetString("role")
			return runFlow(cmd, args[0], func(o *orchestrator.Orchestrator) (*orchestrator.Handle, error) {
				if message != "" {
					if err := o.Session().AppendMessageToLeaf(message, toRole(role)); err != nil {
						return nil, err
					}
				}
				return o.PrepareGenerate()
			})
		},
	}
	addFlowFlags(cmd)
	cmd.Flags().StringP("message", "m", "", "Append this message before generating")
	cmd.Flags().String("role", string(conversation.RoleUser), "Role of --message")
	return cmd
}

func NewRegenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regenerate <chat> <index>",
		Short: "Add a new alternative to the message at index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return runFlow(cmd, args[0], func(o *orchestrator.Orchestrator) (*orchestrator.Handle, error) {
				return o.PrepareRegenerate(i)
			})
		},
	}
	addFlowFlags(cmd)
	return cmd
}

func NewPolishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "polish <chat> [index]",
		Short: "Rewrite the message at index, or a draft given with --draft",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, _ := cmd.Flags().GetString("draft")
			role, _ := cmd.Flags().GetString("role")

			target := orchestrator.PolishTarget{}
			switch {
			case len(args) == 2:
				i, err := parseIndex(args[1])
				if err != nil {
					return err
				}
				target.Index = i
			case draft != "":
				target.Draft = &orchestrator.Draft{Role: toRole(role), Content: draft}
			default:
				return errors.New("either an index or --draft is required")
			}

			return runFlow(cmd, args[0], func(o *orchestrator.Orchestrator) (*orchestrator.Handle, error) {
				return o.PreparePolish(target)
			})
		},
	}
	addFlowFlags(cmd)
	cmd.Flags().String("draft", "", "Text to polish instead of a message of the chat")
	cmd.Flags().String("role", string(conversation.RoleUser), "Role of the draft")
	return cmd
}
