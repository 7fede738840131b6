package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/reviewloop/reviewloop/internal/llm"
)

const (
	// documentCacheSize bounds the per-process classification cache.
	documentCacheSize = 512

	// llmConfidenceFloor is the minimum confidence at which a zero-shot
	// answer is accepted over the heuristic result.
	llmConfidenceFloor = 0.5

	// maxSampleChars caps how much chunk text the zero-shot prompt carries.
	maxSampleChars = 1500
)

// Classifier classifies documents. A nil LLM client degrades to pure
// heuristics. Safe for concurrent use.
type Classifier struct {
	llm   llm.Client
	model string

	cache  *lru.Cache[string, Context]
	flight singleflight.Group
}

// NewClassifier creates a classifier. client may be nil.
func NewClassifier(client llm.Client, model string) *Classifier {
	cache, _ := lru.New[string, Context](documentCacheSize)
	return &Classifier{llm: client, model: model, cache: cache}
}

// DocumentContext classifies a documentation file. Generic boilerplate
// names short-circuit; otherwise keyword heuristics run, and when they
// stay unsure a zero-shot completion decides. Classification never fails:
// an LLM error falls back to the heuristic result.
//
// Results are cached per path and content, and concurrent calls for the
// same document share one classification.
func (c *Classifier) DocumentContext(ctx context.Context, path, title string, sampleChunks []string, language string) Context {
	key := cacheKey(path, title, sampleChunks)
	if cached, ok := c.cache.Get(key); ok {
		return cached
	}

	result, _, _ := c.flight.Do(key, func() (any, error) {
		dc := c.classifyDocument(ctx, path, title, sampleChunks, language)
		c.cache.Add(key, dc)
		return dc, nil
	})
	return result.(Context)
}

func cacheKey(path, title string, sampleChunks []string) string {
	h := sha256.New()
	h.Write([]byte(title))
	for _, chunk := range sampleChunks {
		h.Write([]byte{0})
		h.Write([]byte(chunk))
	}
	return path + "\x00" + hex.EncodeToString(h.Sum(nil))
}

func (c *Classifier) classifyDocument(ctx context.Context, path, title string, sampleChunks []string, language string) Context {
	lowerPath := strings.ToLower(filepath.ToSlash(path))
	text := strings.ToLower(title + "\n" + strings.Join(sampleChunks, "\n"))
	tech := detectTech(lowerPath + "\n" + text)
	keywords := extractKeywords(text)

	if IsGenericDoc(path) {
		return Context{Area: AreaGeneral, Tech: tech, Keywords: keywords, IsGeneric: true, Confidence: confidenceStrong}
	}

	// Location decides for docs living next to internal tooling.
	if isToolingPath(lowerPath) {
		return Context{Area: AreaToolingInternal, Tech: tech, Keywords: keywords, Confidence: confidenceStrong}
	}

	if area, votes := bestArea(lowerPath + "\n" + text); votes >= minMarkerVotes {
		return Context{Area: area, Tech: tech, Keywords: keywords, Confidence: confidenceStrong}
	}

	if c.llm != nil {
		if area, conf, ok := c.zeroShot(ctx, path, title, sampleChunks); ok {
			return Context{Area: area, Tech: tech, Keywords: keywords, Confidence: conf}
		}
	}

	switch normalizeLanguage(language, lowerPath) {
	case "javascript", "typescript":
		return Context{Area: AreaGeneralJSTS, Tech: tech, Keywords: keywords, Confidence: confidenceGuess}
	case "python":
		return Context{Area: AreaGeneralPython, Tech: tech, Keywords: keywords, Confidence: confidenceGuess}
	}
	return Context{Area: AreaUnknown, Tech: tech, Keywords: keywords, Confidence: 0}
}

// zeroShotAnswer is the JSON shape the model is asked to emit.
type zeroShotAnswer struct {
	Area       string  `json:"area"`
	Confidence float64 `json:"confidence"`
}

var zeroShotAreas = []Area{
	AreaFrontend, AreaBackend, AreaDevOps, AreaToolingInternal,
	AreaGeneralJSTS, AreaGeneralPython, AreaGeneral,
}

// zeroShot asks the model for an area. Low-confidence and malformed
// answers are rejected; any error means "no answer", never a failure.
func (c *Classifier) zeroShot(ctx context.Context, path, title string, sampleChunks []string) (Area, float64, bool) {
	names := make([]string, len(zeroShotAreas))
	for i, a := range zeroShotAreas {
		names[i] = string(a)
	}

	var sample strings.Builder
	for _, chunk := range sampleChunks {
		if sample.Len() >= maxSampleChars {
			break
		}
		remaining := maxSampleChars - sample.Len()
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		sample.WriteString(chunk)
		sample.WriteString("\n")
	}

	var prompt strings.Builder
	prompt.WriteString("Classify this documentation file into exactly one area.\n\n")
	prompt.WriteString("Areas: " + strings.Join(names, ", ") + "\n\n")
	prompt.WriteString("Path: " + path + "\n")
	prompt.WriteString("Title: " + title + "\n\n")
	prompt.WriteString("Excerpt:\n" + sample.String() + "\n")
	prompt.WriteString(`Answer with JSON only: {"area": "<area>", "confidence": <0-1>}`)

	resp, err := c.llm.Complete(ctx, &llm.Request{
		Prompt:    prompt.String(),
		MaxTokens: 100,
		Prefill:   "{",
		Model:     c.model,
	})
	if err != nil {
		slog.Debug("document classification fell back to heuristics",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return AreaUnknown, 0, false
	}

	var answer zeroShotAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &answer); err != nil {
		return AreaUnknown, 0, false
	}
	if answer.Confidence < llmConfidenceFloor {
		return AreaUnknown, 0, false
	}
	for _, a := range zeroShotAreas {
		if string(a) == answer.Area {
			return a, answer.Confidence, true
		}
	}
	return AreaUnknown, 0, false
}
