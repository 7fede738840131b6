package vecstore

import "context"

// Lexical backend names accepted by Options.LexicalBackend.
const (
	BackendBleve = "bleve"
	BackendFTS5  = "fts5"
)

// lexicalDoc is one document handed to the lexical index.
type lexicalDoc struct {
	ID      string
	Content string
}

// lexicalHit is one keyword match. Score is raw BM25, higher better.
type lexicalHit struct {
	ID    string
	Score float64
}

// lexicalIndex is the keyword search side of a table. Two implementations
// exist: bleveIndex (on-disk bleve index per table) and fts5Index
// (contentless FTS5 mirror inside records.db).
type lexicalIndex interface {
	Index(ctx context.Context, docs []lexicalDoc) error
	Search(ctx context.Context, query string, limit int) ([]lexicalHit, error)
	Delete(ctx context.Context, ids []string) error
	Close() error
}
