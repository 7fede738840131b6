package vecstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// fts5Index is the alternate lexical backend: a contentless FTS5 mirror
// table inside records.db. Content is pre-tokenized with the same
// code-aware rules as the bleve analyzer, so both backends rank the same
// identifiers.
type fts5Index struct {
	mu    sync.RWMutex
	db    *sql.DB
	table string // mirror table name, <table>_fts
}

// newFTS5Index creates the mirror table for a row table if needed.
func newFTS5Index(db *sql.DB, rowTable string) (*fts5Index, error) {
	table := rowTable + "_fts"
	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(
			doc_id UNINDEXED,
			content,
			tokenize='unicode61'
		);`, table)
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "create fts5 mirror %s", table)
	}
	return &fts5Index{db: db, table: table}, nil
}

// Index adds or replaces documents. FTS5 virtual tables have no REPLACE,
// so existing rows are deleted first.
func (s *fts5Index) Index(ctx context.Context, docs []lexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBConnection, err, "begin fts5 tx")
	}
	defer func() { _ = tx.Rollback() }()

	deleteStmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE doc_id = ?", s.table))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "prepare fts5 delete")
	}
	defer func() { _ = deleteStmt.Close() }()

	insertStmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %s(doc_id, content) VALUES (?, ?)", s.table))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "prepare fts5 insert")
	}
	defer func() { _ = insertStmt.Close() }()

	for _, doc := range docs {
		tokens := filterStopWords(tokenizeCode(doc.Content), codeStopWords)
		processed := strings.Join(tokens, " ")

		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "delete fts5 row %s", doc.ID)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ID, processed); err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "insert fts5 row %s", doc.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "commit fts5 batch")
	}
	return nil
}

// Search returns documents matching query. FTS5 bm25() ranks lower-better
// and negative; scores are negated so higher means better, matching the
// bleve backend.
func (s *fts5Index) Search(ctx context.Context, query string, limit int) ([]lexicalHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := filterStopWords(tokenizeCode(query), codeStopWords)
	if len(tokens) == 0 {
		return []lexicalHit{}, nil
	}
	processed := strings.Join(tokens, " ")

	stmt := fmt.Sprintf(`
		SELECT doc_id, bm25(%s) AS rank
		FROM %s
		WHERE content MATCH ?
		ORDER BY rank
		LIMIT ?`, s.table, s.table)

	rows, err := s.db.QueryContext(ctx, stmt, processed, limit)
	if err != nil {
		// FTS5 rejects some query syntax; treat as no matches.
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []lexicalHit{}, nil
		}
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "fts5 search")
	}
	defer func() { _ = rows.Close() }()

	var hits []lexicalHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "scan fts5 hit")
		}
		hits = append(hits, lexicalHit{ID: id, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "iterate fts5 hits")
	}
	return hits, nil
}

// Delete removes documents by id.
func (s *fts5Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE doc_id IN (%s)",
		s.table, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "delete fts5 rows")
	}
	return nil
}

// Close is a no-op; the shared records.db connection is owned by the DB.
func (s *fts5Index) Close() error {
	return nil
}

var _ lexicalIndex = (*fts5Index)(nil)
