package orchestrator

import (
	"context"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type embedTarget struct {
	containerID   string
	alternativeID string
	content       string
}

// embeddingModels returns the key vectors are stored under and the model
// called to compute them. A non-empty model overrides both.
func (o *Orchestrator) embeddingModels(model string) (string, string, error) {
	if model != "" {
		return model, model, nil
	}
	mc := o.resources.ModelConfig
	if mc.EmbeddingModel == "" {
		return "", "", errors.New("no embedding model configured")
	}
	return mc.EmbeddingModel, mc.EmbeddingCallModel(), nil
}

// EmbedMessage computes and stores the embedding of the message at flat index i.
func (o *Orchestrator) EmbedMessage(ctx context.Context, i int, model string) error {
	key, callModel, err := o.embeddingModels(model)
	if err != nil {
		return err
	}
	flat := o.session.Flatten()
	if i < 0 || i >= len(flat) {
		return errors.Wrapf(conversation.ErrPathResolution, "flat index %d out of range [0,%d)", i, len(flat))
	}
	return o.embed(ctx, key, callModel, embedTarget{
		containerID:   flat[i].ContainerID,
		alternativeID: flat[i].Content.ID,
		content:       flat[i].Content.Content,
	})
}

// EmbedMissing embeds every non-empty message of the active timeline that
// has no vector for the model yet and returns how many were stored.
func (o *Orchestrator) EmbedMissing(ctx context.Context, model string) (int, error) {
	key, callModel, err := o.embeddingModels(model)
	if err != nil {
		return 0, err
	}

	targets := []embedTarget{}
	for _, m := range o.session.Flatten() {
		if m.Content.Content == "" {
			continue
		}
		if _, ok := m.Content.Meta.Embedding[key]; ok {
			continue
		}
		targets = append(targets, embedTarget{
			containerID:   m.ContainerID,
			alternativeID: m.Content.ID,
			content:       m.Content.Content,
		})
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.embedConcurrency)
	for _, t := range targets {
		t := t
		eg.Go(func() error {
			return o.embed(ctx, key, callModel, t)
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	log.Debug().Int("count", len(targets)).Str("model", key).Msg("embedded missing messages")
	return len(targets), nil
}

func (o *Orchestrator) embed(ctx context.Context, key, callModel string, t embedTarget) error {
	vec, err := o.client.Embed(ctx, callModel, t.content)
	if err != nil {
		o.metrics.EmbeddingsTotal.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "could not embed message %s", t.alternativeID)
	}
	o.metrics.EmbeddingsTotal.WithLabelValues("ok").Inc()

	return o.session.Transact("set_embedding", func(root *conversation.RootChat) error {
		_, alt, err := conversation.FindMessageAlternative(root, t.containerID, t.alternativeID)
		if err != nil {
			return err
		}
		if alt.Meta.Embedding == nil {
			alt.Meta.Embedding = map[string][]float32{}
		}
		alt.Meta.Embedding[key] = vec
		return nil
	})
}
