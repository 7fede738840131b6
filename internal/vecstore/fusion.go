package vecstore

import "sort"

// DefaultRRFConstant is the reciprocal rank fusion smoothing parameter.
// k=60 is the standard cross-domain choice.
const DefaultRRFConstant = 60

// fusedHit is one row after fusing the lexical and vector sides.
type fusedHit struct {
	ID       string
	Fused    float64 // normalized, top result = 1.0
	LexScore float64
	LexRank  int // 1-indexed, 0 if absent
	VecDist  float64
	VecRank  int // 1-indexed, 0 if absent
	InBoth   bool
}

// fuseRRF combines the two ranked lists with equally weighted reciprocal
// rank fusion: score(d) = sum over sides of 1/(k + rank). A document
// missing from one side contributes at rank max(len(lex), len(vec)) + 1
// for that side. Scores are normalized so the best fused score is 1.0.
//
// Ordering is deterministic: fused score desc, then presence in both
// lists, then lexical score desc, then id.
func fuseRRF(lex []lexicalHit, vec []vectorHit, k int) []fusedHit {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	if len(lex) == 0 && len(vec) == 0 {
		return []fusedHit{}
	}

	scores := make(map[string]*fusedHit, len(lex)+len(vec))
	get := func(id string) *fusedHit {
		if h, ok := scores[id]; ok {
			return h
		}
		h := &fusedHit{ID: id}
		scores[id] = h
		return h
	}

	for rank, l := range lex {
		h := get(l.ID)
		h.LexScore = l.Score
		h.LexRank = rank + 1
		h.Fused += 1.0 / float64(k+rank+1)
	}
	for rank, v := range vec {
		h := get(v.ID)
		h.VecDist = v.Distance
		h.VecRank = rank + 1
		h.Fused += 1.0 / float64(k+rank+1)
		if h.LexRank > 0 {
			h.InBoth = true
		}
	}

	// One-sided documents contribute at the missing rank for the absent
	// side, so a single strong side cannot dominate a both-sides match.
	missing := len(lex) + 1
	if len(vec) >= len(lex) {
		missing = len(vec) + 1
	}
	for _, h := range scores {
		if h.LexRank == 0 {
			h.Fused += 1.0 / float64(k+missing)
		}
		if h.VecRank == 0 {
			h.Fused += 1.0 / float64(k+missing)
		}
	}

	results := make([]fusedHit, 0, len(scores))
	for _, h := range scores {
		results = append(results, *h)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Fused != b.Fused {
			return a.Fused > b.Fused
		}
		if a.InBoth != b.InBoth {
			return a.InBoth
		}
		if a.LexScore != b.LexScore {
			return a.LexScore > b.LexScore
		}
		return a.ID < b.ID
	})

	if max := results[0].Fused; max > 0 {
		for i := range results {
			results[i].Fused /= max
		}
	}
	return results
}

// normalizeLexical scales raw BM25 scores so the top hit scores 1.0.
// Used when only the lexical side ran.
func normalizeLexical(hits []lexicalHit) {
	if len(hits) == 0 || hits[0].Score <= 0 {
		return
	}
	max := hits[0].Score
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	for i := range hits {
		hits[i].Score /= max
	}
}
