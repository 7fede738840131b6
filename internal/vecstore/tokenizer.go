package vecstore

import (
	"regexp"
	"strings"
	"unicode"
)

// identRegex matches identifier-like sequences, underscores included so
// snake_case reaches the splitter intact.
var identRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// codeStopWords are language keywords and filler identifiers excluded from
// the lexical index.
var codeStopWords = buildStopWordMap([]string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
})

// tokenizeCode splits text with code-aware rules: camelCase, PascalCase
// and snake_case are broken apart, tokens are lowercased, and tokens
// shorter than two characters are dropped.
func tokenizeCode(text string) []string {
	var tokens []string
	for _, word := range identRegex.FindAllString(text, -1) {
		for _, sub := range splitIdentifier(word) {
			lower := strings.ToLower(sub)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitIdentifier splits snake_case first, then camelCase within each part.
func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamel(part)...)
			}
		}
		return result
	}
	return splitCamel(token)
}

// splitCamel splits camelCase and PascalCase, keeping acronym runs
// together: "parseHTTPRequest" -> ["parse", "HTTP", "Request"].
func splitCamel(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// filterStopWords drops stop words from a token list.
func filterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, stop := stopWords[strings.ToLower(token)]; !stop {
			result = append(result, token)
		}
	}
	return result
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
