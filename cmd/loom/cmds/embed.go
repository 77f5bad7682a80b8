package cmds

import (
	"fmt"

	"github.com/go-go-golems/loom/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func NewEmbedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed <chat> [index]",
		Short: "Store embeddings of the messages of the active timeline",
		Long: `Without an index every non-empty message that has no vector for the
embedding model yet is embedded. The model defaults to embeddingModel of the
model config; providers and caches come from the embeddings config section.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(args[0])
			if err != nil {
				return err
			}
			snapshot, err := loadResources()
			if err != nil {
				return err
			}

			model, _ := cmd.Flags().GetString("embedding-model")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			reg := prometheus.NewRegistry()
			o, err := newOrchestrator(s, snapshot, orchestratorSettings{
				reg:   reg,
				extra: []orchestrator.Option{orchestrator.WithEmbedConcurrency(concurrency)},
			})
			if err != nil {
				return err
			}

			if len(args) == 2 {
				i, err := parseIndex(args[1])
				if err != nil {
					return err
				}
				if err := o.EmbedMessage(cmd.Context(), i, model); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "embedded message %d\n", i)
			} else {
				n, err := o.EmbedMissing(cmd.Context(), model)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "embedded %d messages\n", n)
			}
			logMetrics(reg)

			return saveSession(args[0], s)
		},
	}
	cmd.Flags().String("embedding-model", "", "Embedding model, overriding the model config")
	cmd.Flags().Int("concurrency", 4, "Number of concurrent embedding requests")
	return cmd
}
