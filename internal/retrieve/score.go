package retrieve

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/reviewloop/reviewloop/internal/classify"
)

// Scoring weights. Chunk scores start from retrieval similarity and are
// adjusted by context agreement; document scores blend the chunk rollup
// with document-level area and title relevance.
const (
	// AreaMatchBonus rewards a chunk whose document area matches the
	// change area.
	AreaMatchBonus = 0.8
	// AreaMismatchPenalty punishes a confident mismatch. Unknown and
	// General areas are neutral on either side.
	AreaMismatchPenalty = -0.2
	// TechOverlapBonus rewards any shared detected technology.
	TechOverlapBonus = 0.2
	// H1RelevanceWeight scales the title-to-query cosine similarity.
	H1RelevanceWeight = 0.2
	// PathSimilarityWeight scales the shared-path-segment ratio.
	PathSimilarityWeight = 0.15
	// GenericDocPenalty multiplies chunk scores of boilerplate documents.
	// Not applied for DevOps changes or on an exact area match: runbook
	// style docs are often the right answer there.
	GenericDocPenalty = 0.7

	// RelevantChunkThreshold is the minimum chunk score that counts
	// toward a document rollup.
	RelevantChunkThreshold = 0.1
	// SemanticMaxWeight, SemanticAvgWeight, and SemanticCountWeight blend
	// the relevant-chunk score distribution into semantic quality.
	SemanticMaxWeight   = 0.5
	SemanticAvgWeight   = 0.3
	SemanticCountWeight = 0.04
	// SemanticCountCap bounds the count contribution.
	SemanticCountCap = 5

	// DocSemanticWeight, DocAreaWeight, and DocH1Weight blend the final
	// document score.
	DocSemanticWeight = 0.2
	DocAreaWeight     = 0.6
	DocH1Weight       = 0.2
	// MinDocScore drops documents scoring below it.
	MinDocScore = 0.3
)

// chunkScore adjusts a retrieval similarity by context agreement.
func chunkScore(similarity float64, change, doc classify.Context, h1Relevance, pathSim float64) float64 {
	score := similarity
	areaAdj := areaAdjustment(change.Area, doc.Area)
	score += areaAdj
	if techOverlap(change.Tech, doc.Tech) {
		score += TechOverlapBonus
	}
	score += h1Relevance * H1RelevanceWeight
	score += pathSim * PathSimilarityWeight
	if doc.IsGeneric && change.Area != classify.AreaDevOps && areaAdj < AreaMatchBonus {
		score *= GenericDocPenalty
	}
	return score
}

// queryNeutral reports whether a change area is too unspecific to reward
// or punish a document: the language-general areas name the language
// that changed, not the part of the system.
func queryNeutral(a classify.Area) bool {
	return a.Neutral() || a == classify.AreaGeneralJSTS || a == classify.AreaGeneralPython
}

// areaAdjustment is the additive chunk-level area term.
func areaAdjustment(change, doc classify.Area) float64 {
	if queryNeutral(change) || doc.Neutral() {
		return 0
	}
	if change == doc {
		return AreaMatchBonus
	}
	return AreaMismatchPenalty
}

// areaComponent is the document-level area term, normalized to [0,1].
func areaComponent(change, doc classify.Area) float64 {
	if queryNeutral(change) || doc.Neutral() {
		return 0.5
	}
	if change == doc {
		return 1
	}
	return 0
}

func techOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[strings.ToLower(t)] = true
	}
	for _, t := range b {
		if set[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// pathSimilarity is the shared leading directory segment ratio between
// the changed file and the document, in [0,1].
func pathSimilarity(changedPath, docPath string) float64 {
	a := pathSegments(changedPath)
	b := pathSegments(docPath)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	shared := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			break
		}
		shared++
	}
	longest := max(len(a), len(b))
	return float64(shared) / float64(longest)
}

// pathSegments returns the directory components of a slash path.
func pathSegments(p string) []string {
	dir := filepath.ToSlash(filepath.Dir(filepath.ToSlash(p)))
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	return strings.Split(strings.Trim(dir, "/"), "/")
}

// cosine is the cosine similarity of two vectors, 0 for mismatched or
// zero-length input.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// scoredChunk is one chunk with its adjusted score.
type scoredChunk struct {
	heading   string
	content   string
	startLine int
	score     float64
}

// docAccumulator collects a document's scored chunks plus its
// document-level components.
type docAccumulator struct {
	path        string
	title       string
	doc         classify.Context
	h1Relevance float64
	chunks      []scoredChunk
}

// rollup computes the final document score from its relevant chunks.
func (d *docAccumulator) rollup(change classify.Context) float64 {
	var relevant []float64
	for _, c := range d.chunks {
		if c.score >= RelevantChunkThreshold {
			relevant = append(relevant, c.score)
		}
	}
	if len(relevant) == 0 {
		return 0
	}

	maxScore, sum := 0.0, 0.0
	for _, s := range relevant {
		if s > maxScore {
			maxScore = s
		}
		sum += s
	}
	avg := sum / float64(len(relevant))
	count := float64(min(len(relevant), SemanticCountCap))
	semanticQuality := SemanticMaxWeight*maxScore + SemanticAvgWeight*avg + SemanticCountWeight*count

	area := areaComponent(change.Area, d.doc.Area)
	return DocSemanticWeight*semanticQuality + DocAreaWeight*area + DocH1Weight*d.h1Relevance
}

// bestChunk returns the highest-scoring chunk.
func (d *docAccumulator) bestChunk() scoredChunk {
	best := d.chunks[0]
	for _, c := range d.chunks[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best
}
