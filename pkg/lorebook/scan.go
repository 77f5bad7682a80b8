package lorebook

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/go-go-golems/loom/pkg/expr"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// Activation is an entry that passed its conditions at a recursion depth.
type Activation struct {
	Entry *Entry
	Book  *Lorebook
	Depth int
}

// Result holds the injections produced by a scan, folded in insertion order.
type Result struct {
	DepthMessages     pipeline.DepthInjection
	LocationMessages  map[string][]pipeline.Message
	IntervalsToCreate []IntervalTemplate
	Activated         []Activation
}

func (r *Result) Empty() bool {
	return r == nil || len(r.Activated) == 0
}

type Scanner struct {
	engine      expr.Engine
	books       []*Lorebook
	random      func() float64
	concurrency int
}

type ScannerOption func(s *Scanner)

// WithRandom replaces the source used by Probability. fn must be safe for
// concurrent use.
func WithRandom(fn func() float64) ScannerOption {
	return func(s *Scanner) {
		s.random = fn
	}
}

// WithConcurrency bounds the number of conditions evaluated at once.
func WithConcurrency(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewScanner(engine expr.Engine, books []*Lorebook, options ...ScannerOption) *Scanner {
	s := &Scanner{
		engine:      engine,
		books:       books,
		random:      rand.Float64,
		concurrency: defaultConcurrency,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Scanner) Books() []*Lorebook {
	return s.books
}

type candidate struct {
	entry *Entry
	book  *Lorebook
}

// activationSet is shared across all books of one scan. Entries are keyed by
// ID and remember the order in which they activated.
type activationSet struct {
	byID  map[string]*Activation
	order []string
}

func (a *activationSet) add(act Activation) {
	if _, ok := a.byID[act.Entry.ID]; ok {
		return
	}
	a.byID[act.Entry.ID] = &act
	a.order = append(a.order, act.Entry.ID)
}

func (a *activationSet) has(id string) bool {
	_, ok := a.byID[id]
	return ok
}

func (a *activationSet) entries() []*Entry {
	ret := make([]*Entry, 0, len(a.order))
	for _, id := range a.order {
		ret = append(ret, a.byID[id].Entry)
	}
	return ret
}

// Scan activates the entries of every book against chat. Entries marked
// always active activate first; the others are scanned against the last
// scan_depth messages and then, recursively, against the content of the
// entries activated by the previous level until nothing new activates or
// max_recursion_count is reached. Only context cancellation is returned as an
// error; failing conditions count as false.
func (s *Scanner) Scan(ctx context.Context, chat *pipeline.Context, global Setting, base map[string]any) (*Result, error) {
	env := clone.Clone(chat.ResolvedUserValue()).(map[string]any)
	if env == nil {
		env = map[string]any{}
	}
	for k, v := range base {
		env[k] = v
	}

	activated := &activationSet{byID: map[string]*Activation{}}

	for _, book := range s.books {
		setting := global
		if book.UseLocalSetting {
			setting = book.Setting
		}

		candidates := []candidate{}
		for i := range book.Entries {
			if book.Entries[i].Enabled {
				candidates = append(candidates, candidate{entry: &book.Entries[i], book: book})
			}
		}

		// always active entries feed the first recursion level like depth 0 matches
		newlyActivated := []string{}
		for _, c := range candidates {
			if c.entry.ActivationWhen.AlwaysActivation && !activated.has(c.entry.ID) {
				activated.add(Activation{Entry: c.entry, Book: book, Depth: 0})
				newlyActivated = append(newlyActivated, c.entry.ID)
			}
		}

		for depth := 0; depth <= setting.MaxRecursionCount; depth++ {
			pending := []candidate{}
			for _, c := range candidates {
				if !activated.has(c.entry.ID) {
					pending = append(pending, c)
				}
			}
			if len(pending) == 0 {
				break
			}

			var text string
			if depth == 0 {
				text = scanText(chat, setting.ScanDepth)
			} else {
				if len(newlyActivated) == 0 {
					break
				}
				parts := []string{}
				for _, id := range newlyActivated {
					a := activated.byID[id]
					if !a.Entry.EscapeScanWhenRecursing {
						parts = append(parts, a.Entry.ActivationEffect.Content)
					}
				}
				text = strings.Join(parts, "\n\n")
				if text == "" {
					break
				}
			}

			matched, err := s.evaluate(ctx, pending, setting, evalState{
				text:      text,
				depth:     depth,
				chat:      chat,
				env:       env,
				activated: activated.entries(),
			})
			if err != nil {
				return nil, err
			}

			next := []string{}
			if depth == 0 {
				next = append(next, newlyActivated...)
			}
			for i, c := range pending {
				if matched[i] {
					activated.add(Activation{Entry: c.entry, Book: c.book, Depth: depth})
					next = append(next, c.entry.ID)
					log.Debug().
						Str("book", c.book.Name).
						Str("entry", c.entry.ID).
						Int("depth", depth).
						Msg("lorebook entry activated")
				}
			}
			newlyActivated = next
		}
	}

	return fold(activated), nil
}

// evaluate runs the conditions of all pending entries concurrently and
// reports which of them passed, in pending order.
func (s *Scanner) evaluate(ctx context.Context, pending []candidate, setting Setting, state evalState) ([]bool, error) {
	matched := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, c := range pending {
		i, c := i, c
		g.Go(func() error {
			conditions := append(append([]string{}, setting.ActivationWhen...), c.entry.ActivationWhen.Condition...)
			ok, err := s.conditionsHold(gctx, conditions, s.evaluationEnv(state, c))
			if err != nil {
				return err
			}
			matched[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matched, nil
}

func (s *Scanner) conditionsHold(ctx context.Context, conditions []string, env map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return false, nil
	}
	for _, code := range conditions {
		v, err := s.engine.Execute(ctx, code, env)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Warn().Err(err).Str("condition", code).Msg("lorebook condition failed")
			return false, nil
		}
		if !expr.Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// scanText joins the last scanDepth messages. A depth of 0 scans the whole
// chat.
func scanText(chat *pipeline.Context, scanDepth int) string {
	recent := chat.Tail(-scanDepth)
	return strings.Join(pipeline.Map(recent, func(m pipeline.Message, _ int) string { return m.Content }), "\n\n")
}

// fold sorts the activations by insertion order, keeping activation order
// for ties, and appends each effect to its position.
func fold(activated *activationSet) *Result {
	ret := &Result{
		DepthMessages:     pipeline.DepthInjection{},
		LocationMessages:  map[string][]pipeline.Message{},
		IntervalsToCreate: []IntervalTemplate{},
		Activated:         []Activation{},
	}
	for _, id := range activated.order {
		ret.Activated = append(ret.Activated, *activated.byID[id])
	}
	sort.SliceStable(ret.Activated, func(i, j int) bool {
		return ret.Activated[i].Entry.ActivationEffect.InsertionOrder < ret.Activated[j].Entry.ActivationEffect.InsertionOrder
	})

	for _, a := range ret.Activated {
		effect := a.Entry.ActivationEffect
		pos := effect.Position
		switch {
		case pos.IsDepth():
			ret.DepthMessages[*pos.Depth] = append(ret.DepthMessages[*pos.Depth], effect.Message())
		case pos.Location != "":
			ret.LocationMessages[pos.Location] = append(ret.LocationMessages[pos.Location], effect.Message())
		default:
			log.Warn().Str("entry", a.Entry.ID).Msg("lorebook entry has no position")
		}
		if effect.IntervalsToCreate != nil {
			ret.IntervalsToCreate = append(ret.IntervalsToCreate, clone.Clone(*effect.IntervalsToCreate).(IntervalTemplate))
		}
	}
	return ret
}
