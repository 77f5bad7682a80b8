// Package cmds holds the loom subcommands. Every command works on a chat
// file and the resource directory configured with --resources.
package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/loom/pkg/ai"
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/embeddings"
	"github.com/go-go-golems/loom/pkg/events"
	"github.com/go-go-golems/loom/pkg/expr"
	"github.com/go-go-golems/loom/pkg/orchestrator"
	"github.com/go-go-golems/loom/pkg/resources"
	"github.com/go-go-golems/loom/pkg/security"
	"github.com/go-go-golems/loom/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const remoteCacheTTL = 5 * time.Minute

func Register(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		NewShowCommand(),
		NewContextCommand(),
		NewGenerateCommand(),
		NewRegenerateCommand(),
		NewPolishCommand(),
		NewEmbedCommand(),
		NewEditCommand(),
		NewLorebookCommand(),
		NewSchemaCommand(),
		NewValidateCommand(),
		NewTokensCommand(),
	)
}

func loadSession(path string) (*conversation.Session, error) {
	root, err := conversation.LoadChat(path)
	if err != nil {
		return nil, err
	}
	return conversation.NewSession(root), nil
}

func saveSession(path string, s *conversation.Session) error {
	if err := conversation.SaveChat(path, s.Snapshot()); err != nil {
		return err
	}
	log.Debug().Str("path", path).Int64("version", s.Version()).Msg("saved chat")
	return nil
}

func loadResources() (*resources.Snapshot, error) {
	snapshot := resources.NewSnapshot()
	if dir := viper.GetString("resources"); dir != "" {
		var err error
		snapshot, err = resources.LoadDir(dir, resources.WithInclude(viper.GetStringSlice("include")...))
		if err != nil {
			return nil, err
		}
	}
	if model := viper.GetString("model"); model != "" {
		snapshot.ModelConfig.ChatModel = model
	}
	return snapshot, nil
}

// newEmbedder builds the providers of the `embeddings` config section.
// It returns nil when none are configured, embeddings then go through the
// chat API.
func newEmbedder() (*embeddings.Registry, error) {
	var cfgs []embeddings.Config
	if err := viper.UnmarshalKey("embeddings", &cfgs); err != nil {
		return nil, errors.Wrap(err, "could not decode embeddings config")
	}
	if len(cfgs) == 0 {
		return nil, nil
	}
	for i := range cfgs {
		policy := endpointPolicy()
		if cfgs[i].Type == embeddings.ProviderOllama {
			policy = security.LocalPolicy
		}
		if err := security.CheckEndpoint(cfgs[i].BaseURL, policy); err != nil {
			return nil, errors.Wrapf(err, "embeddings provider %s", cfgs[i].Model)
		}
		if cfgs[i].APIKey == "" && (cfgs[i].Type == embeddings.ProviderOpenAI || cfgs[i].Type == "") {
			cfgs[i].APIKey = viper.GetString("openai-api-key")
		}
	}
	return embeddings.NewRegistryFromConfigs(cfgs...)
}

func endpointPolicy() security.EndpointPolicy {
	if viper.GetBool("allow-local-endpoints") {
		return security.LocalPolicy
	}
	return security.EndpointPolicy{}
}

func newClient() (*ai.OpenAIClient, error) {
	apiKey := viper.GetString("openai-api-key")
	if apiKey == "" {
		return nil, errors.New("no OpenAI API key, set --openai-api-key or LOOM_OPENAI_API_KEY")
	}
	baseURL := viper.GetString("openai-base-url")
	if err := security.CheckEndpoint(baseURL, endpointPolicy()); err != nil {
		return nil, err
	}

	var options []ai.OpenAIOption
	embedder, err := newEmbedder()
	if err != nil {
		return nil, err
	}
	if embedder != nil {
		options = append(options, ai.WithEmbedder(embedder))
	}
	return ai.NewOpenAIClient(apiKey, baseURL, options...), nil
}

// fileLoader resolves #('id') to the file id below the resource directory,
// decoded as JSON when possible.
func fileLoader(dir string) expr.RemoteLoader {
	return expr.RemoteLoaderFunc(func(ctx context.Context, id string) (any, error) {
		b, err := os.ReadFile(filepath.Join(dir, filepath.Clean("/"+id)))
		if err != nil {
			return nil, err
		}
		var v any
		if json.Unmarshal(b, &v) == nil {
			return v, nil
		}
		return string(b), nil
	})
}

type orchestratorSettings struct {
	client ai.Client
	sink   events.Sink
	reg    prometheus.Registerer
	extra  []orchestrator.Option
}

func newOrchestrator(s *conversation.Session, snapshot *resources.Snapshot, settings orchestratorSettings) (*orchestrator.Orchestrator, error) {
	engine, err := expr.NewGojaEngine()
	if err != nil {
		return nil, err
	}

	options := []orchestrator.Option{
		orchestrator.WithPreset(viper.GetString("preset")),
		orchestrator.WithMetrics(orchestrator.NewMetrics(settings.reg)),
	}
	if dir := viper.GetString("resources"); dir != "" {
		loader := expr.NewCachedLoader(fileLoader(dir), remoteCacheTTL)
		options = append(options, orchestrator.WithEnv(map[string]any{expr.RemoteLoadKey: loader}))
	}
	if settings.sink != nil {
		options = append(options, orchestrator.WithEventSink(settings.sink))
	}

	model := snapshot.ModelConfig.ChatModel
	if model == "" {
		model = snapshot.Setting.DefaultModels.Chat
	}
	counter, err := tokens.NewCounter(tokens.WithModel(model))
	if err != nil {
		log.Warn().Err(err).Str("model", model).Msg("no token counter, history will not be pruned")
	} else {
		options = append(options, orchestrator.WithTokenCounter(counter))
	}

	client := settings.client
	if client == nil {
		client, err = newClient()
		if err != nil {
			return nil, err
		}
	}

	return orchestrator.New(s, snapshot, engine, client, append(options, settings.extra...)...)
}

// logMetrics writes the gathered series at debug level.
func logMetrics(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("could not gather metrics")
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			evt := log.Debug().Str("metric", mf.GetName())
			for _, l := range m.GetLabel() {
				evt = evt.Str(l.GetName(), l.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				evt = evt.Float64("value", m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				evt = evt.Uint64("count", m.GetHistogram().GetSampleCount()).
					Float64("sum", m.GetHistogram().GetSampleSum())
			}
			evt.Msg("metric")
		}
	}
}

// writeStructured prints v as indented JSON or as YAML. YAML goes through
// JSON first so custom marshalers and json tags apply.
func writeStructured(w io.Writer, v any, format string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "json", "":
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}
