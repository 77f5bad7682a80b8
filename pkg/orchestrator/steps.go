package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-go-golems/loom/pkg/ai"
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/events"
	"github.com/go-go-golems/loom/pkg/lorebook"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type StepName string

const (
	StepInitPreset          StepName = "initPreset"
	StepApplyRegex          StepName = "applyRegex"
	StepPresetDepthMessages StepName = "presetDepthMessages"
	StepMergeDepth          StepName = "mergeDepth"
	StepPresetTemplate      StepName = "presetTemplate"
	StepWriteMessageParams  StepName = "writeMessageParams"
	StepWriteMessageContent StepName = "writeMessageContent"
	StepSaveVector          StepName = "saveVector"
)

var DefaultSequence = []StepName{
	StepInitPreset,
	StepApplyRegex,
	StepPresetDepthMessages,
	StepMergeDepth,
	StepPresetTemplate,
	StepWriteMessageParams,
	StepWriteMessageContent,
	StepSaveVector,
}

var ErrUnknownStep = errors.New("unknown step")

// StepFunc is one stage of a generation. Steps communicate through the
// Execution; a step whose input is missing does nothing.
type StepFunc func(ctx context.Context, o *Orchestrator, x *Execution) error

func defaultSteps() map[StepName]StepFunc {
	return map[StepName]StepFunc{
		StepInitPreset:          initPreset,
		StepApplyRegex:          applyRegex,
		StepPresetDepthMessages: presetDepthMessages,
		StepMergeDepth:          mergeDepth,
		StepPresetTemplate:      presetTemplate,
		StepWriteMessageParams:  writeMessageParams,
		StepWriteMessageContent: writeMessageContent,
		StepSaveVector:          saveVector,
	}
}

// Execution is the state of one generation while its steps run.
type Execution struct {
	Handle *Handle
	Model  string

	// Chat is the conversation context the handle was prepared with.
	Chat *pipeline.Context
	// Env is the base environment of lorebook conditions and templates.
	Env map[string]any

	// Preset is nil when no preset is loaded.
	Preset   *preset.Selector
	Variant  *preset.Variant
	Lorebook *lorebook.Accumulator
	Groups   preset.Groups

	WorkingChat *pipeline.Context
	FinalChat   *pipeline.Context
	Prompt      []pipeline.FinalMessage
	Request     *ai.Request

	// Content is the text received from the model.
	Content      string
	FinishReason conversation.FinishReason
	Event        events.EventMetadata

	started  time.Time
	notes    map[StepName]string
	stepsRun []StepName
}

func (x *Execution) preset() *preset.Preset {
	if x.Preset == nil {
		return nil
	}
	return x.Preset.Preset()
}

func (x *Execution) note(step StepName, format string, args ...any) {
	x.notes[step] = fmt.Sprintf(format, args...)
}

func (o *Orchestrator) newExecution(h *Handle) (*Execution, error) {
	chatCtx := h.Context
	if chatCtx == nil {
		chatCtx = conversation.EmptyContext()
	}
	chat := pipeline.New(chatCtx)

	x := &Execution{
		Handle:   h,
		Model:    o.chatModel(),
		Chat:     chat,
		Lorebook: lorebook.NewAccumulator(reservedKeys...),
		Groups:   emptyGroups(),
		notes:    map[StepName]string{},
	}

	if presets := o.resources.PresetContents(); len(presets) > 0 {
		selector, err := preset.NewSelector(presets...)
		if err != nil {
			return nil, err
		}
		if o.presetName != "" {
			if err := selector.SwitchPreset(o.presetName); err != nil {
				return nil, err
			}
		}
		x.Preset = selector
	}

	x.Env = o.baseEnv(x)
	x.Event = events.EventMetadata{
		ID:            uuid.New(),
		Flow:          string(h.Flow),
		ContainerID:   h.Target.ContainerID,
		AlternativeID: h.Target.AlternativeID,
		Model:         x.Model,
	}
	if p := x.preset(); p != nil {
		x.Event.PresetName = p.Name
	}
	return x, nil
}

func (o *Orchestrator) chatModel() string {
	if o.resources.ModelConfig.ChatModel != "" {
		return o.resources.ModelConfig.ChatModel
	}
	return o.resources.Setting.DefaultModels.Chat
}

func emptyGroups() preset.Groups {
	return preset.Groups{
		Numeric:     pipeline.DepthInjection{},
		Named:       map[string][]pipeline.Message{},
		Unspecified: []pipeline.Message{},
	}
}

// baseEnv holds the resolved user value, the caller's values and the
// orchestrator keys, later ones winning.
func (o *Orchestrator) baseEnv(x *Execution) map[string]any {
	env := map[string]any{}
	for k, v := range clone.Clone(x.Chat.ResolvedUserValue()).(map[string]any) {
		env[k] = v
	}
	for k, v := range o.env {
		env[k] = v
	}

	character := o.resources.CharacterEnv()
	env[KeyChat] = x.Chat.Messages()
	env[KeyCharacter] = character
	env[KeyCharacterLow] = character
	env[KeySetting] = o.resources.Setting
	env[KeyUserValue] = x.Chat.ResolvedUserValue()
	env[KeyChatModelName] = x.Model
	env[KeyIntention] = x.Handle.Intention
	if p := x.preset(); p != nil {
		env[KeyPreset] = p
	}
	if d := x.Handle.Draft; d != nil {
		env[KeyPolish] = map[string]any{"role": string(d.Role), "content": d.Content}
	}

	vectorResults := []pipeline.VectorResult{}
	vs := o.resources.Setting.Vectorization
	if model := o.resources.ModelConfig.EmbeddingModel; vs.Enabled && model != "" {
		vectorResults = x.Chat.VectorSearch(model).Find(vs.SimilarityThreshold, vs.QueryMessageCount, vs.MaxResultCount)
		log.Debug().Int("results", len(vectorResults)).Str("model", model).Msg("vector search")
	}
	env[KeyVectorResult] = map[string]any{"chat": vectorResults}
	return env
}

// initPreset runs the lorebooks over the context and picks the preset
// variant matching the chat model.
func initPreset(ctx context.Context, o *Orchestrator, x *Execution) error {
	if books := o.resources.LorebookContents(); len(books) > 0 {
		global := o.resources.Setting.Lorebook
		scanner := lorebook.NewScanner(o.engine, books)
		if err := scanner.Process(ctx, x.Chat, &global, x.Env, x.Lorebook); err != nil {
			return err
		}
		o.metrics.LorebookActivations.Add(float64(len(x.Lorebook.Activated)))
	}
	if x.Preset != nil {
		x.Variant = x.Preset.SelectVariantByModel(x.Model)
	}

	variant := ""
	if x.Variant != nil {
		variant = x.Variant.Name
	}
	x.note(StepInitPreset, "%d lorebook entries, variant %q", len(x.Lorebook.Activated), variant)
	return nil
}

// applyRegex rewrites the context with the character and setting rules,
// then the preset rules, and prunes it to the preset's token budget.
func applyRegex(ctx context.Context, o *Orchestrator, x *Execution) error {
	rules := append(o.resources.CharacterRegex(), o.resources.Setting.Regex...)
	chat := x.Chat.ApplyRegex(rules)

	p := x.preset()
	if p != nil {
		chat = chat.ApplyRegex(p.Regex)
	}
	if p != nil && o.counter != nil && p.MaxChatHistoryToken > 0 {
		before := chat.Len()
		pruned, err := chat.Prune(ctx, p.MaxChatHistoryToken, o.counter)
		if err != nil {
			return err
		}
		chat = pruned
		x.note(StepApplyRegex, "pruned %d of %d messages", before-chat.Len(), before)
	}
	x.WorkingChat = chat
	return nil
}

func presetDepthMessages(_ context.Context, _ *Orchestrator, x *Execution) error {
	if x.Preset == nil {
		return nil
	}
	x.Groups = preset.SeparatePrompts(x.Preset.Prompts())
	return nil
}

// mergeDepth injects the preset's depth prompts, then the lorebook's.
func mergeDepth(_ context.Context, _ *Orchestrator, x *Execution) error {
	if x.WorkingChat == nil {
		return nil
	}
	x.WorkingChat = x.WorkingChat.InjectMany(x.Groups.Numeric, x.Lorebook.DepthMessages)
	return nil
}

// presetTemplate expands the prompts without a position. Named prompt groups
// and lorebook locations are visible to the template under their name, the
// working context as CHAT.
func presetTemplate(ctx context.Context, o *Orchestrator, x *Execution) error {
	if x.WorkingChat == nil {
		return nil
	}
	env := make(map[string]any, len(x.Env)+len(x.Groups.Named)+len(x.Lorebook.LocationMessages))
	for k, v := range x.Env {
		env[k] = v
	}
	for _, location := range []string{
		pipeline.LocationBeforeChar,
		pipeline.LocationAfterChar,
		pipeline.LocationPersonality,
		pipeline.LocationScenario,
	} {
		env[location] = []pipeline.Message{}
	}
	for k, msgs := range x.Groups.Named {
		env[k] = append([]pipeline.Message{}, msgs...)
	}
	for k, msgs := range x.Lorebook.LocationMessages {
		existing, _ := env[k].([]pipeline.Message)
		env[k] = append(existing, msgs...)
	}
	env[KeyChat] = x.WorkingChat.Messages()

	x.FinalChat = x.WorkingChat.ApplyTemplate(ctx, o.engine, x.Groups.Unspecified, env)
	return nil
}

// writeMessageParams finalizes the prompt and stamps the target with the
// model, preset and character it is generated with.
func writeMessageParams(_ context.Context, o *Orchestrator, x *Execution) error {
	if x.FinalChat == nil {
		return nil
	}
	x.Prompt = x.FinalChat.Finalize()

	render := conversation.RenderInfo{
		UsedPresetName:    defaultPresetName,
		CharacterName:     defaultCharacterName,
		BakedRegexReplace: []conversation.BakedRegex{},
	}
	params := preset.GenerationParams{}
	if p := x.preset(); p != nil {
		if p.Name != "" {
			render.UsedPresetName = p.Name
		}
		if p.NeedToBakeRegex != nil {
			render.BakedRegexReplace = clone.Clone(p.NeedToBakeRegex).([]conversation.BakedRegex)
		}
		params = p.GenerationParams
	}
	if c, ok := o.resources.Character(); ok {
		render.CharacterFilePath = c.Path
		if c.Content.Name != "" {
			render.CharacterName = c.Content.Name
		}
	}
	intervals := lorebookIntervals(x.Lorebook.IntervalsToCreate)

	x.started = o.now()
	err := x.Handle.update("write_message_params", func(alt *conversation.MessageAlternative) error {
		alt.Meta.ModelName = x.Model
		alt.Meta.TimeInfo = conversation.TimeInfo{Start: x.started}
		alt.Meta.RenderInfo = render
		alt.Meta.FinishReason = ""
		alt.Meta.Error = ""
		if len(intervals) > 0 {
			alt.Meta.AttachedIntervals = append(alt.Meta.AttachedIntervals, intervals...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	x.Request = &ai.Request{Model: x.Model, Messages: x.Prompt, Params: params}
	x.note(StepWriteMessageParams, "%d prompt messages", len(x.Prompt))
	return nil
}

// lorebookIntervals turns interval templates of activated entries into
// interval definitions starting at the generated message. A length that is
// not a number leaves the interval open.
func lorebookIntervals(templates []lorebook.IntervalTemplate) []conversation.AttachedIntervalDef {
	ret := []conversation.AttachedIntervalDef{}
	for _, t := range templates {
		def := conversation.AttachedIntervalDef{
			ID:           conversation.NewID(),
			Source:       "lorebook",
			Type:         t.Type,
			Content:      t.Content,
			EndCondition: conversation.IntervalEndCondition{Type: "length"},
		}
		if n, err := strconv.Atoi(t.Length); err == nil && n > 0 {
			def.EndCondition.Value = &n
		}
		ret = append(ret, def)
	}
	return ret
}

// writeMessageContent calls the model and appends its answer to the target,
// delta by delta when streaming.
func writeMessageContent(ctx context.Context, o *Orchestrator, x *Execution) error {
	if x.Request == nil {
		return nil
	}
	events.PublishEventToContext(ctx, events.NewStartEvent(x.Event))

	if len(x.Prompt) == 0 {
		err := x.Handle.update("write_message_content", func(alt *conversation.MessageAlternative) error {
			alt.Content = EmptyPromptContent
			return nil
		})
		if err != nil {
			return err
		}
		x.Content = EmptyPromptContent
		return o.finish(ctx, x, conversation.FinishReasonError, ai.ErrEmptyPrompt)
	}

	var err error
	if x.Request.Params.Stream {
		err = o.stream(ctx, x)
	} else {
		err = o.generateOnce(ctx, x)
	}

	switch {
	case err == nil:
		return o.finish(ctx, x, conversation.FinishReasonComplete, nil)
	case ctx.Err() != nil:
		return o.finish(ctx, x, conversation.FinishReasonInterrupted, nil)
	default:
		if ferr := o.finish(ctx, x, conversation.FinishReasonError, err); ferr != nil {
			log.Warn().Err(ferr).Msg("could not record generation error")
		}
		return err
	}
}

func (o *Orchestrator) appendContent(ctx context.Context, x *Execution, delta string) error {
	err := x.Handle.update("append_content", func(alt *conversation.MessageAlternative) error {
		alt.Content += delta
		return nil
	})
	if err != nil {
		return err
	}
	x.Content += delta
	events.PublishEventToContext(ctx, events.NewPartialCompletionEvent(x.Event, delta, x.Content))
	return nil
}

func (o *Orchestrator) stream(ctx context.Context, x *Execution) error {
	ch, err := o.client.StreamText(ctx, *x.Request)
	if err != nil {
		return err
	}

	var streamErr error
	for chunk := range ch {
		if streamErr != nil {
			continue
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Delta != "" {
			if err := o.appendContent(ctx, x, chunk.Delta); err != nil {
				// the target is gone, stop the model and drain the channel
				streamErr = err
				x.Handle.Cancel()
				continue
			}
		}
		if chunk.StopReason != "" {
			x.Event.StopReason = chunk.StopReason
		}
		if chunk.Usage != nil {
			x.Event.Usage = &events.Usage{InputTokens: chunk.Usage.InputTokens, OutputTokens: chunk.Usage.OutputTokens}
		}
	}
	if streamErr != nil && errors.Is(streamErr, conversation.ErrPathResolution) {
		return streamErr
	}
	if streamErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return streamErr
}

func (o *Orchestrator) generateOnce(ctx context.Context, x *Execution) error {
	resp, err := o.client.GenerateText(ctx, *x.Request)
	if err != nil {
		return err
	}
	x.Event.StopReason = resp.StopReason
	if resp.Usage != nil {
		x.Event.Usage = &events.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	}
	if resp.Text == "" {
		return nil
	}
	return o.appendContent(ctx, x, resp.Text)
}

// finish records the elapsed time and finish reason on the target and
// publishes the closing event.
func (o *Orchestrator) finish(ctx context.Context, x *Execution, reason conversation.FinishReason, cause error) error {
	elapsed := o.now().Sub(x.started)
	ms := elapsed.Milliseconds()
	x.FinishReason = reason
	x.Event.DurationMs = ms

	err := x.Handle.update("finish_generation", func(alt *conversation.MessageAlternative) error {
		alt.Meta.TimeInfo.TimeUsed = &ms
		alt.Meta.FinishReason = reason
		if cause != nil {
			alt.Meta.Error = cause.Error()
			if alt.Content == "" {
				alt.Content = "Error: " + cause.Error()
			}
		}
		return nil
	})

	flow := string(x.Handle.Flow)
	o.metrics.GenerationsTotal.WithLabelValues(flow, string(reason)).Inc()
	o.metrics.GenerationDuration.WithLabelValues(flow).Observe(elapsed.Seconds())

	switch reason {
	case conversation.FinishReasonComplete:
		events.PublishEventToContext(ctx, events.NewFinalEvent(x.Event, x.Content))
	case conversation.FinishReasonInterrupted:
		events.PublishEventToContext(ctx, events.NewInterruptEvent(x.Event, x.Content))
	case conversation.FinishReasonError:
		events.PublishEventToContext(ctx, events.NewErrorEvent(x.Event, cause, x.Content))
	}
	log.Debug().Object("generation", x.Event).Str("finish_reason", string(reason)).Msg("generation finished")
	return err
}

// saveVector stores an embedding of a completed answer under the configured
// embedding model. Embedding failures are logged, the answer is kept.
func saveVector(ctx context.Context, o *Orchestrator, x *Execution) error {
	mc := o.resources.ModelConfig
	if !o.resources.Setting.Vectorization.Enabled || mc.EmbeddingModel == "" {
		return nil
	}
	if x.FinishReason != conversation.FinishReasonComplete || x.Content == "" {
		return nil
	}
	callModel := mc.EmbeddingCallModel()

	vec, err := o.client.Embed(ctx, callModel, x.Content)
	if err != nil {
		o.metrics.EmbeddingsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("model", callModel).Msg("could not embed generated message")
		return nil
	}
	o.metrics.EmbeddingsTotal.WithLabelValues("ok").Inc()
	x.note(StepSaveVector, "%d dimensions from %s", len(vec), callModel)
	return x.Handle.update("save_vector", func(alt *conversation.MessageAlternative) error {
		if alt.Meta.Embedding == nil {
			alt.Meta.Embedding = map[string][]float32{}
		}
		alt.Meta.Embedding[mc.EmbeddingModel] = vec
		return nil
	})
}

// recordSteps stores the steps that ran, with their notes, on the target.
func (o *Orchestrator) recordSteps(x *Execution) {
	steps := make([]conversation.Step, 0, len(x.stepsRun))
	for _, name := range x.stepsRun {
		steps = append(steps, conversation.Step{Name: string(name), Message: x.notes[name]})
	}
	err := x.Handle.update("record_steps", func(alt *conversation.MessageAlternative) error {
		alt.Meta.Steps = steps
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("could not record generation steps")
	}
}
