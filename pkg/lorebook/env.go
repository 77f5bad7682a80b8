package lorebook

import (
	"sort"

	"github.com/dlclark/regexp2"
	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/rs/zerolog/log"
)

// Keys available to lorebook conditions in addition to the resolved user
// value and the caller's base environment.
const (
	KeyText             = "text"
	KeyMessages         = "messages"
	KeyHistory          = "history"
	KeyChat             = "CHAT"
	KeyRecursionDepth   = "recursion_depth"
	KeySelf             = "self"
	KeySelfBook         = "selfBook"
	KeyActivatedEntries = "activatedEntrys"
)

type evalState struct {
	text      string
	depth     int
	chat      *pipeline.Context
	env       map[string]any
	activated []*Entry
}

func (s *Scanner) evaluationEnv(state evalState, c candidate) map[string]any {
	ret := make(map[string]any, len(state.env)+16)
	for k, v := range state.env {
		ret[k] = v
	}

	text, chat, depth := state.text, state.chat, state.depth
	ret["Probability"] = func(chance float64) bool {
		return s.random()*100 < chance
	}
	ret["isRecursing"] = func() bool {
		return depth > 0
	}
	ret["MatchAll"] = func(keys []string) bool {
		return MatchAll(text, keys)
	}
	ret["MatchAny"] = func(keys []string) bool {
		return MatchAny(text, keys)
	}
	ret["IntervalsForLastMessage"] = func() []conversation.ResolvedInterval {
		return intervalsForLastMessage(chat)
	}
	ret["LastMessageinIntervalType"] = func(intervalType string) bool {
		for _, ri := range intervalsForLastMessage(chat) {
			if ri.Def.Type == intervalType {
				return true
			}
		}
		return false
	}
	ret["Log"] = func() bool {
		keys := make([]string, 0, len(ret))
		for k := range ret {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		log.Info().
			Str("entry", c.entry.ID).
			Str("book", c.book.Name).
			Int("recursion_depth", depth).
			Str("text", text).
			Strs("keys", keys).
			Msg("lorebook log")
		return true
	}

	ret[KeyText] = text
	ret[KeyMessages] = chat
	ret[KeyHistory] = chat
	ret[KeyChat] = chat
	ret[KeyRecursionDepth] = depth
	ret[KeySelf] = c.entry
	ret[KeySelfBook] = c.book
	ret[KeyActivatedEntries] = state.activated
	return ret
}

func intervalsForLastMessage(chat *pipeline.Context) []conversation.ResolvedInterval {
	if chat.Len() == 0 {
		return []conversation.ResolvedInterval{}
	}
	return chat.IntervalsForIndex(chat.Len() - 1)
}

// MatchAll reports whether every key, a regular expression, matches text.
// Empty text never matches.
func MatchAll(text string, keys []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keys {
		if !matchKey(text, k) {
			return false
		}
	}
	return true
}

// MatchAny reports whether at least one key matches text.
func MatchAny(text string, keys []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keys {
		if matchKey(text, k) {
			return true
		}
	}
	return false
}

// keys are JavaScript regular expressions in unicode mode
const keyOptions = regexp2.ECMAScript | regexp2.Unicode

func matchKey(text, key string) bool {
	re, err := regexp2.Compile(key, keyOptions)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("invalid lorebook key")
		return false
	}
	ok, err := re.MatchString(text)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not match lorebook key")
		return false
	}
	return ok
}
