// Package orchestrator turns the active conversation into a model request
// and writes the answer back into the tree. A generation runs a fixed
// sequence of named steps over an Execution: lorebook activation and preset
// variant selection, regex rewriting, depth injection, template expansion,
// the model call itself and optionally storing an embedding of the result.
//
// Flows (Generate, Regenerate, Polish) first create the speculative node the
// answer is written into and return a Handle. The handle finds that node
// again by ID for every write and for Remove, so concurrent edits to the
// tree do not redirect the output.
package orchestrator

import (
	"context"
	"time"

	"github.com/go-go-golems/loom/pkg/ai"
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/events"
	"github.com/go-go-golems/loom/pkg/expr"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/resources"
	"github.com/pkg/errors"
)

// Environment keys set by the orchestrator. Lorebook locations with one of
// these names are dropped.
const (
	KeyChat          = "CHAT"
	KeyCharacter     = "CHARACTER"
	KeyCharacterLow  = "character"
	KeyPreset        = "PRESET"
	KeySetting       = "SETTING"
	KeyVectorResult  = "VECTOR_RESULT"
	KeyUserValue     = "userValue"
	KeyIntention     = "intention"
	KeyPolish        = "POLISH"
	KeyChatModelName = "chatModelName"
)

var reservedKeys = []string{
	KeyChat, KeyCharacter, KeyCharacterLow, KeyPreset, KeySetting, KeyVectorResult,
	KeyUserValue, KeyIntention, KeyPolish, KeyChatModelName,
}

// EmptyPromptContent is written instead of calling the model when the
// finalized prompt has no messages.
const EmptyPromptContent = "Error: Empty message array."

const (
	defaultCharacterName = "Assistant"
	defaultPresetName    = "Unknown"
)

type Orchestrator struct {
	session   *conversation.Session
	resources *resources.Snapshot
	engine    expr.Engine
	client    ai.Client

	counter          pipeline.TokenCounter
	sink             events.Sink
	metrics          *Metrics
	presetName       string
	env              map[string]any
	embedConcurrency int
	now              func() time.Time

	steps    map[StepName]StepFunc
	sequence []StepName
}

type Option func(o *Orchestrator) error

// WithTokenCounter enables pruning the history to the preset's
// MaxChatHistoryToken before injections are applied.
func WithTokenCounter(counter pipeline.TokenCounter) Option {
	return func(o *Orchestrator) error {
		o.counter = counter
		return nil
	}
}

func WithEventSink(sink events.Sink) Option {
	return func(o *Orchestrator) error {
		o.sink = sink
		return nil
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) error {
		o.metrics = m
		return nil
	}
}

// WithPreset makes the named preset current instead of the first loaded one.
func WithPreset(name string) Option {
	return func(o *Orchestrator) error {
		o.presetName = name
		return nil
	}
}

// WithEnv adds values to the environment of lorebook conditions and templates.
func WithEnv(env map[string]any) Option {
	return func(o *Orchestrator) error {
		for k, v := range env {
			o.env[k] = v
		}
		return nil
	}
}

func WithEmbedConcurrency(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			return errors.Errorf("embed concurrency must be positive, got %d", n)
		}
		o.embedConcurrency = n
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		o.now = now
		return nil
	}
}

// WithStep replaces the handler of a step.
func WithStep(name StepName, fn StepFunc) Option {
	return func(o *Orchestrator) error {
		if fn == nil {
			return errors.Errorf("step %s has no handler", name)
		}
		o.steps[name] = fn
		return nil
	}
}

// WithSequence changes which steps run and in which order.
func WithSequence(names ...StepName) Option {
	return func(o *Orchestrator) error {
		o.sequence = append([]StepName{}, names...)
		return nil
	}
}

func New(session *conversation.Session, snapshot *resources.Snapshot, engine expr.Engine, client ai.Client, options ...Option) (*Orchestrator, error) {
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if engine == nil {
		return nil, errors.New("expression engine is nil")
	}
	if client == nil {
		return nil, errors.New("model client is nil")
	}
	if snapshot == nil {
		snapshot = resources.NewSnapshot()
	}
	if snapshot.Setting == nil {
		snapshot.Setting = resources.NewSetting()
	}
	if snapshot.ModelConfig == nil {
		snapshot.ModelConfig = &resources.ModelConfig{}
	}

	o := &Orchestrator{
		session:          session,
		resources:        snapshot,
		engine:           engine,
		client:           client,
		sink:             events.NullSink{},
		env:              map[string]any{},
		embedConcurrency: 4,
		now:              time.Now,
		steps:            defaultSteps(),
		sequence:         append([]StepName{}, DefaultSequence...),
	}
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	for _, name := range o.sequence {
		if _, ok := o.steps[name]; !ok {
			return nil, errors.Wrapf(ErrUnknownStep, "%s", name)
		}
	}
	return o, nil
}

func (o *Orchestrator) Session() *conversation.Session {
	return o.session
}

func (o *Orchestrator) Resources() *resources.Snapshot {
	return o.resources
}

// Run executes the step sequence for a prepared handle. Canceling ctx, or
// calling h.Cancel, stops the model call; the content received so far stays
// on the target with FinishReason interrupted.
func (o *Orchestrator) Run(ctx context.Context, h *Handle) error {
	if h == nil {
		return errors.New("handle is nil")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.setCancel(cancel)
	defer cancel()

	if o.sink != nil {
		runCtx = events.WithEventSinks(runCtx, o.sink)
	}

	x, err := o.newExecution(h)
	if err != nil {
		return err
	}
	defer func() {
		if x.Request != nil {
			o.recordSteps(x)
		}
	}()
	for _, name := range o.sequence {
		if err := o.steps[name](runCtx, o, x); err != nil {
			return errors.Wrapf(err, "step %s", name)
		}
		x.stepsRun = append(x.stepsRun, name)
	}
	return nil
}

// Generate appends a new assistant message to the active leaf and fills it.
func (o *Orchestrator) Generate(ctx context.Context) (*Handle, error) {
	h, err := o.PrepareGenerate()
	if err != nil {
		return nil, err
	}
	return h, o.Run(ctx, h)
}

// Regenerate adds a new alternative to the message at flat index i and fills
// it from the context strictly before it.
func (o *Orchestrator) Regenerate(ctx context.Context, i int) (*Handle, error) {
	h, err := o.PrepareRegenerate(i)
	if err != nil {
		return nil, err
	}
	return h, o.Run(ctx, h)
}

// Polish rewrites an existing message, as a new alternative, or a draft that
// is not part of the tree.
func (o *Orchestrator) Polish(ctx context.Context, target PolishTarget) (*Handle, error) {
	h, err := o.PreparePolish(target)
	if err != nil {
		return nil, err
	}
	return h, o.Run(ctx, h)
}
