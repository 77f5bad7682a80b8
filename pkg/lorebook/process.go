package lorebook

import (
	"context"

	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/rs/zerolog/log"
)

// Accumulator collects the injections of one or more scans for a single
// generation. Location messages are later exposed to templates under their
// location name, so names listed as reserved are refused.
type Accumulator struct {
	DepthMessages     pipeline.DepthInjection
	LocationMessages  map[string][]pipeline.Message
	IntervalsToCreate []IntervalTemplate
	Activated         []Activation

	reserved map[string]struct{}
}

func NewAccumulator(reserved ...string) *Accumulator {
	a := &Accumulator{
		DepthMessages:     pipeline.DepthInjection{},
		LocationMessages:  map[string][]pipeline.Message{},
		IntervalsToCreate: []IntervalTemplate{},
		Activated:         []Activation{},
		reserved:          map[string]struct{}{},
	}
	for _, k := range reserved {
		a.reserved[k] = struct{}{}
	}
	return a
}

// Merge appends a scan result; existing depth and location lists are
// extended, never replaced.
func (a *Accumulator) Merge(r *Result) {
	if r.Empty() {
		return
	}
	a.IntervalsToCreate = append(a.IntervalsToCreate, r.IntervalsToCreate...)
	a.Activated = append(a.Activated, r.Activated...)
	for depth, msgs := range r.DepthMessages {
		a.DepthMessages[depth] = append(a.DepthMessages[depth], msgs...)
	}
	for location, msgs := range r.LocationMessages {
		if location == "" {
			continue
		}
		if _, ok := a.reserved[location]; ok {
			log.Warn().Str("location", location).Msg("lorebook location conflicts with a reserved key, skipping")
			continue
		}
		a.LocationMessages[location] = append(a.LocationMessages[location], msgs...)
	}
}

// Process scans chat and merges the result into acc. A nil global setting
// skips the scan.
func (s *Scanner) Process(ctx context.Context, chat *pipeline.Context, global *Setting, base map[string]any, acc *Accumulator) error {
	if global == nil {
		log.Warn().Msg("no global lorebook setting, skipping scan")
		return nil
	}
	r, err := s.Scan(ctx, chat, *global, base)
	if err != nil {
		return err
	}
	acc.Merge(r)
	return nil
}
