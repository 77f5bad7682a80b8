package pipeline

import (
	"math"
	"sort"

	"github.com/go-go-golems/loom/pkg/conversation"
)

const (
	DefaultQueryCount = 1
	DefaultMaxResults = 5
)

type VectorEntry struct {
	Depth   int               `json:"depth"`
	Index   int               `json:"index"`
	Vector  []float32         `json:"vector"`
	Content string            `json:"content"`
	Role    conversation.Role `json:"role"`
	ModelID string            `json:"modelId"`
}

type VectorResult struct {
	VectorEntry
	Score            float64 `json:"score"`
	MatchedWithDepth int     `json:"matchedWithDepth"`
}

// Searcher finds older messages similar to the newest ones, using the
// embeddings stored for one model.
type Searcher struct {
	messages []Message
	modelID  string
}

func (c *Context) VectorSearch(modelID string) *Searcher {
	return &Searcher{messages: c.messages, modelID: modelID}
}

// Entries lists the messages carrying an embedding for the model, newest first.
func (s *Searcher) Entries() []VectorEntry {
	n := len(s.messages)
	ret := []VectorEntry{}
	for i, m := range s.messages {
		if m.Meta == nil {
			continue
		}
		v, ok := m.Meta.Embedding[s.modelID]
		if !ok || v == nil {
			continue
		}
		ret = append(ret, VectorEntry{
			Depth:   n - 1 - i,
			Index:   i,
			Vector:  v,
			Content: m.Content,
			Role:    m.Role,
			ModelID: s.modelID,
		})
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Depth < ret[j].Depth })
	return ret
}

// Find uses the queryCount newest entries as queries and scores every other
// entry by its best cosine similarity to them. Entries scoring at least
// threshold are returned, best first, at most maxResults of them.
func (s *Searcher) Find(threshold float64, queryCount, maxResults int) []VectorResult {
	entries := s.Entries()
	queryCount = min(max(queryCount, 0), len(entries))
	queries, candidates := entries[:queryCount], entries[queryCount:]
	if len(queries) == 0 {
		return []VectorResult{}
	}

	ret := []VectorResult{}
	for _, c := range candidates {
		best, bestDepth := -1.0, -1
		for _, q := range queries {
			if score := CosineSimilarity(c.Vector, q.Vector); score > best {
				best, bestDepth = score, q.Depth
			}
		}
		if best >= threshold {
			ret = append(ret, VectorResult{VectorEntry: c, Score: best, MatchedWithDepth: bestDepth})
		}
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Score > ret[j].Score })
	if maxResults >= 0 && len(ret) > maxResults {
		ret = ret[:maxResults]
	}
	return ret
}

// CosineSimilarity returns 0 for vectors of different length or zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Message converts a result back into a context message.
func (r VectorResult) Message() Message {
	return Message{Role: r.Role, Content: r.Content}
}
