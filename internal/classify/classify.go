// Package classify assigns change-area context to code files and
// documentation. Code classification is purely heuristic; document
// classification escalates from a generic-name check through keyword
// heuristics to a zero-shot LLM call.
package classify

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Area is the broad engineering area a file or document belongs to.
type Area string

// Areas, from most to least specific.
const (
	AreaFrontend        Area = "frontend"
	AreaBackend         Area = "backend"
	AreaDevOps          Area = "devops"
	AreaToolingInternal Area = "tooling_internal"
	AreaGeneralJSTS     Area = "general_js_ts"
	AreaGeneralPython   Area = "general_python"
	AreaGeneral         Area = "general"
	AreaUnknown         Area = "unknown"
)

// Neutral reports whether the area carries no scoring signal: Unknown and
// General match nothing and mismatch nothing.
func (a Area) Neutral() bool {
	return a == AreaUnknown || a == AreaGeneral
}

// Context is the classification result for one file or document.
type Context struct {
	Area Area
	// Tech lists detected technologies, lowercased.
	Tech []string
	// Keywords lists hits from the fixed retrieval vocabulary,
	// deduplicated.
	Keywords []string
	// IsGeneric marks boilerplate documents (README and friends) that
	// score with a relevance penalty.
	IsGeneric bool
	// Confidence is 0-1; heuristic results report fixed tiers.
	Confidence float64
}

// genericDocRegex matches boilerplate document basenames.
var genericDocRegex = regexp.MustCompile(
	`(?i)^(README|RUNBOOK|CONTRIBUTING|CHANGELOG|LICENSE|SETUP|INSTALL)(\.md)?$`)

// IsGenericDoc reports whether a document path names a boilerplate doc.
func IsGenericDoc(path string) bool {
	return genericDocRegex.MatchString(filepath.Base(path))
}

// areaMarkers are lowercase substrings that vote for an area.
var areaMarkers = map[Area][]string{
	AreaFrontend: {
		"react", "jsx", "tsx", "vue", "angular", "svelte", "component",
		"stylesheet", "css", "tailwind", "dom", "browser", "usestate",
		"useeffect", "frontend", "render(", "props",
	},
	AreaBackend: {
		"http.handler", "handlefunc", "database", "sql", "endpoint",
		"middleware", "grpc", "repository", "transaction", "backend",
		"request body", "response writer", "orm", "migration", "queue",
		"select ", "insert into",
	},
	AreaDevOps: {
		"docker", "dockerfile", "kubernetes", "k8s", "terraform", "helm",
		"ansible", "pipeline", "ci/cd", "github actions", "deploy",
		"provision", "infrastructure", "devops", "prometheus",
	},
	AreaToolingInternal: {
		"makefile", "build script", "codegen", "linter", "pre-commit",
		"cli tool", "scaffold", "internal tool",
	},
}

// toolingPathHints mark internal tooling by location alone.
var toolingPathHints = []string{"/tools/", "/scripts/", "tools/", "scripts/"}

// techMarkers are technology names surfaced into Context.Tech.
var techMarkers = []string{
	"react", "vue", "angular", "svelte", "typescript", "javascript",
	"python", "django", "flask", "fastapi", "go", "golang", "rust",
	"docker", "kubernetes", "terraform", "helm", "postgres", "postgresql",
	"mysql", "sqlite", "redis", "kafka", "rabbitmq", "graphql", "grpc",
	"rest", "oauth", "jwt", "webpack", "vite", "jest", "pytest",
}

// keywordVocabulary is the fixed list surfaced into Context.Keywords.
// The terms anchor guideline retrieval queries, so they stay short and
// domain-neutral.
var keywordVocabulary = []string{
	"api", "component", "class", "function", "props", "hook", "service",
	"endpoint", "handler", "middleware", "model", "schema", "query",
	"migration", "test", "config", "auth", "cache", "route", "controller",
}

// Confidence tiers for heuristic results.
const (
	confidenceStrong = 0.9
	confidenceWeak   = 0.7
	confidenceGuess  = 0.5
)

// minMarkerVotes is the hit count below which heuristics stay unsure.
const minMarkerVotes = 2

// CodeContext classifies a code file from its path, content, and
// language. It never consults the LLM.
func CodeContext(path, content, language string) Context {
	lowerPath := strings.ToLower(filepath.ToSlash(path))
	lowerContent := strings.ToLower(content)
	tech := detectTech(lowerPath + "\n" + lowerContent)
	keywords := extractKeywords(lowerContent)

	// File extensions are decisive for frontend component files.
	switch filepath.Ext(lowerPath) {
	case ".jsx", ".tsx", ".vue", ".svelte", ".css", ".scss":
		return Context{Area: AreaFrontend, Tech: tech, Keywords: keywords, Confidence: confidenceStrong}
	}
	if isToolingPath(lowerPath) {
		return Context{Area: AreaToolingInternal, Tech: tech, Keywords: keywords, Confidence: confidenceStrong}
	}

	if area, votes := bestArea(lowerPath + "\n" + lowerContent); votes >= minMarkerVotes {
		return Context{Area: area, Tech: tech, Keywords: keywords, Confidence: confidenceStrong}
	}

	switch normalizeLanguage(language, lowerPath) {
	case "javascript", "typescript":
		return Context{Area: AreaGeneralJSTS, Tech: tech, Keywords: keywords, Confidence: confidenceWeak}
	case "python":
		return Context{Area: AreaGeneralPython, Tech: tech, Keywords: keywords, Confidence: confidenceWeak}
	}
	return Context{Area: AreaGeneral, Tech: tech, Keywords: keywords, Confidence: confidenceGuess}
}

// isToolingPath reports whether a lowercased slash path sits under a
// tooling directory.
func isToolingPath(lowerPath string) bool {
	for _, hint := range toolingPathHints {
		if strings.HasPrefix(lowerPath, hint) || strings.Contains(lowerPath, "/"+strings.TrimPrefix(hint, "/")) {
			return true
		}
	}
	return false
}

// bestArea counts marker votes and returns the winning area.
// Deterministic on ties: fixed area order.
func bestArea(text string) (Area, int) {
	order := []Area{AreaFrontend, AreaBackend, AreaDevOps, AreaToolingInternal}
	best := AreaGeneral
	bestVotes := 0
	for _, area := range order {
		votes := 0
		for _, marker := range areaMarkers[area] {
			if strings.Contains(text, marker) {
				votes++
			}
		}
		if votes > bestVotes {
			best = area
			bestVotes = votes
		}
	}
	return best, bestVotes
}

// detectTech extracts known technology names from lowercased text.
func detectTech(text string) []string {
	return matchVocabulary(text, techMarkers)
}

// extractKeywords extracts retrieval keywords from lowercased text.
func extractKeywords(text string) []string {
	return matchVocabulary(text, keywordVocabulary)
}

// matchVocabulary returns the sorted, deduplicated vocabulary entries
// found in text.
func matchVocabulary(text string, vocabulary []string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, marker := range vocabulary {
		if seen[marker] {
			continue
		}
		if containsWord(text, marker) {
			seen[marker] = true
			found = append(found, marker)
		}
	}
	sort.Strings(found)
	return found
}

// containsWord reports a word-ish match: the marker bounded by
// non-letter characters, so "go" does not match "google".
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// normalizeLanguage maps language names and extensions to a canonical
// language id.
func normalizeLanguage(language, lowerPath string) string {
	switch strings.ToLower(language) {
	case "javascript", "js", "jsx":
		return "javascript"
	case "typescript", "ts", "tsx":
		return "typescript"
	case "python", "py":
		return "python"
	}
	switch filepath.Ext(lowerPath) {
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".mts":
		return "typescript"
	case ".py":
		return "python"
	}
	return strings.ToLower(language)
}
