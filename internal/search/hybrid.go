package search

import (
	"sort"

	"github.com/chewxy/math32"
)

// ScoredDoc is one document's fused keyword/vector score (§4.6.7).
type ScoredDoc struct {
	DocID uint32
	Score float32
}

// HybridRequest carries the parameters of a hybrid search (§4.6.7): the
// keyword-ranked and vector-ranked result sets to fuse, and the
// semantic_ratio controlling their blend weight.
type HybridRequest struct {
	Keyword       []ScoredDoc
	Vector        []ScoredDoc
	SemanticRatio float32 // in [0,1]
}

// FuseHybrid implements §4.6.7's weighted-sum fusion: each of the keyword and
// vector result sets is normalized to [0,1] (min-max over that set alone,
// since the two scales aren't otherwise comparable), then combined as
// `score = (1 − semantic_ratio) · keyword + semantic_ratio · vector`. A
// document present in only one set is treated as scoring 0 in the other.
// Ties break on docid ascending. When semantic_ratio is 1, the keyword set
// is expected to already be filter/distinct-only (the caller's
// responsibility per §4.6.7's "keyword rules are skipped except
// filter/distinct").
func FuseHybrid(req HybridRequest) []ScoredDoc {
	ratio := req.SemanticRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	keywordNorm := normalizeScores(req.Keyword)
	vectorNorm := normalizeScores(req.Vector)

	fused := make(map[uint32]float32, len(keywordNorm)+len(vectorNorm))
	for id, s := range keywordNorm {
		fused[id] += (1 - ratio) * s
	}
	for id, s := range vectorNorm {
		fused[id] += ratio * s
	}

	out := make([]ScoredDoc, 0, len(fused))
	for id, score := range fused {
		out = append(out, ScoredDoc{DocID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// normalizeScores min-max normalizes a result set's scores to [0,1]. A set
// with a single distinct score value normalizes every member to 1 (there's
// no spread to scale against).
func normalizeScores(docs []ScoredDoc) map[uint32]float32 {
	out := make(map[uint32]float32, len(docs))
	if len(docs) == 0 {
		return out
	}

	min, max := docs[0].Score, docs[0].Score
	for _, d := range docs[1:] {
		if d.Score < min {
			min = d.Score
		}
		if d.Score > max {
			max = d.Score
		}
	}

	spread := max - min
	for _, d := range docs {
		if spread == 0 {
			out[d.DocID] = 1
			continue
		}
		out[d.DocID] = math32.Max(0, math32.Min(1, (d.Score-min)/spread))
	}
	return out
}
