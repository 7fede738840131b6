package vecstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// deleteChunkSize bounds IN clauses well under SQLite's parameter limit.
const deleteChunkSize = 500

// defaultSearchLimit applies when a query leaves Limit unset.
const defaultSearchLimit = 10

// Table is a handle on one typed table plus its lexical index and vector
// graph.
type Table struct {
	name    string
	db      *DB
	columns []string
	pathCol string
	lex     lexicalIndex
	vec     *vectorIndex
	vecPath string
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Upsert inserts or replaces rows by id. The lexical index and vector
// graph are updated first, then the row transaction commits; a failed
// batch never surfaces in search because hydration goes through the row
// table. Rows with a nil vector are stored but excluded from the graph.
func (t *Table) Upsert(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	docs := make([]lexicalDoc, 0, len(rows))
	var vecIDs []string
	var vecs [][]float32
	var withoutVector []string
	for _, r := range rows {
		if r.ID == "" {
			return errors.New(errors.ErrCodeInvalidInput, "row without id", nil)
		}
		docs = append(docs, lexicalDoc{ID: r.ID, Content: r.lexicalText()})
		if r.Vector != nil {
			vecIDs = append(vecIDs, r.ID)
			vecs = append(vecs, r.Vector)
		} else {
			withoutVector = append(withoutVector, r.ID)
		}
	}

	if err := t.lex.Index(ctx, docs); err != nil {
		return err
	}
	if err := t.vec.add(vecIDs, vecs); err != nil {
		return err
	}
	// A replaced row may have lost its vector.
	t.vec.remove(withoutVector)

	tx, err := t.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBConnection, err, "begin upsert tx")
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	insertStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(t.columns, ", "), placeholders))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "prepare upsert")
	}
	defer func() { _ = insertStmt.Close() }()

	for _, r := range rows {
		args := make([]any, len(t.columns))
		for i, col := range t.columns {
			args[i] = columnValue(r, col)
		}
		if _, err := insertStmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "upsert row %s", r.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "commit upsert")
	}
	return nil
}

// DeleteWhere removes rows matching the filter from the row table, the
// lexical index, and the vector graph. Returns the number removed.
func (t *Table) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where(t.pathCol)
	stmt := "SELECT id FROM " + t.name
	if where != "" {
		stmt += " WHERE " + where
	}

	rows, err := t.db.sqlDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "select ids for delete")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "iterate ids")
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		chunkArgs := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = "?"
			chunkArgs[i] = id
		}
		del := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)",
			t.name, strings.Join(placeholders, ","))
		if _, err := t.db.sqlDB.ExecContext(ctx, del, chunkArgs...); err != nil {
			return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "delete rows")
		}
		if err := t.lex.Delete(ctx, chunk); err != nil {
			return 0, err
		}
		t.vec.remove(chunk)
	}
	return int64(len(ids)), nil
}

// CountRows counts rows matching the filter.
func (t *Table) CountRows(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where(t.pathCol)
	stmt := "SELECT COUNT(*) FROM " + t.name
	if where != "" {
		stmt += " WHERE " + where
	}

	var count int64
	if err := t.db.sqlDB.QueryRowContext(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "count rows")
	}
	return count, nil
}

// HybridSearch runs the lexical and vector sides in parallel and fuses the
// results. One side failing degrades to the other side's results; both
// failing is an error. A query with neither text nor vector is invalid.
func (t *Table) HybridSearch(ctx context.Context, q Query) ([]Hit, error) {
	hasText := strings.TrimSpace(q.Text) != ""
	hasVector := len(q.Vector) > 0
	if !hasText && !hasVector {
		return nil, errors.New(errors.ErrCodeInvalidInput,
			"hybrid search needs query text or a vector", nil)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	// Generous candidate pools: the row filter prunes after ranking.
	lexCandidates := limit * 3
	vecCandidates := limit * 6

	var lexHits []lexicalHit
	var vecHits []vectorHit
	var lexErr, vecErr error

	g, gctx := errgroup.WithContext(ctx)
	if hasText {
		g.Go(func() error {
			lexHits, lexErr = t.lex.Search(gctx, q.Text, lexCandidates)
			return nil
		})
	}
	if hasVector {
		g.Go(func() error {
			vecHits, vecErr = t.vec.search(q.Vector, vecCandidates)
			return nil
		})
	}
	_ = g.Wait()

	lexOK := hasText && lexErr == nil
	vecOK := hasVector && vecErr == nil
	if !lexOK && !vecOK {
		if lexErr != nil {
			return nil, lexErr
		}
		return nil, vecErr
	}
	if hasText && lexErr != nil {
		slog.Warn("lexical search failed, using vector results only",
			slog.String("table", t.name),
			slog.String("error", lexErr.Error()))
	}
	if hasVector && vecErr != nil {
		slog.Warn("vector search failed, using lexical results only",
			slog.String("table", t.name),
			slog.String("error", vecErr.Error()))
	}

	// Hydrate candidates through the row table, applying the filter.
	// Candidates whose row was deleted or filtered drop out here.
	candidateIDs := make([]string, 0, len(lexHits)+len(vecHits))
	seen := make(map[string]bool, len(lexHits)+len(vecHits))
	for _, h := range lexHits {
		if !seen[h.ID] {
			seen[h.ID] = true
			candidateIDs = append(candidateIDs, h.ID)
		}
	}
	for _, h := range vecHits {
		if !seen[h.ID] {
			seen[h.ID] = true
			candidateIDs = append(candidateIDs, h.ID)
		}
	}
	if len(candidateIDs) == 0 {
		return []Hit{}, nil
	}

	rowByID, err := t.fetchRows(ctx, candidateIDs, q.Filter)
	if err != nil {
		return nil, err
	}

	lexKept := lexHits[:0:0]
	for _, h := range lexHits {
		if _, ok := rowByID[h.ID]; ok {
			lexKept = append(lexKept, h)
		}
	}
	vecKept := vecHits[:0:0]
	for _, h := range vecHits {
		if _, ok := rowByID[h.ID]; ok {
			vecKept = append(vecKept, h)
		}
	}

	var hits []Hit
	switch {
	case lexOK && vecOK:
		fused := fuseRRF(lexKept, vecKept, t.db.opts.RRFConstant)
		hits = make([]Hit, 0, len(fused))
		for _, f := range fused {
			h := Hit{Row: *rowByID[f.ID]}
			score := f.Fused
			h.Score = &score
			if f.VecRank > 0 {
				dist := f.VecDist
				h.Distance = &dist
			}
			hits = append(hits, h)
		}

	case lexOK:
		normalizeLexical(lexKept)
		hits = make([]Hit, 0, len(lexKept))
		for _, l := range lexKept {
			h := Hit{Row: *rowByID[l.ID]}
			score := l.Score
			h.Score = &score
			hits = append(hits, h)
		}

	default:
		hits = make([]Hit, 0, len(vecKept))
		for _, v := range vecKept {
			h := Hit{Row: *rowByID[v.ID]}
			dist := v.Distance
			h.Distance = &dist
			hits = append(hits, h)
		}
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// fetchRows loads candidate rows by id, applying the filter in SQL.
func (t *Table) fetchRows(ctx context.Context, ids []string, f Filter) (map[string]*Row, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+4)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)",
		strings.Join(t.columns, ", "), t.name, strings.Join(placeholders, ","))
	if where, whereArgs := f.where(t.pathCol); where != "" {
		stmt += " AND " + where
		args = append(args, whereArgs...)
	}

	rows, err := t.db.sqlDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "fetch candidate rows")
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]*Row, len(ids))
	for rows.Next() {
		r, err := t.scanRow(rows)
		if err != nil {
			return nil, err
		}
		result[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "iterate candidate rows")
	}
	return result, nil
}

// Get returns a single row by id, or nil when absent.
func (t *Table) Get(ctx context.Context, id string) (*Row, error) {
	byID, err := t.fetchRows(ctx, []string{id}, Filter{})
	if err != nil {
		return nil, err
	}
	return byID[id], nil
}

// First returns the first row matching the filter (ordered by id), or nil
// when none matches.
func (t *Table) First(ctx context.Context, f Filter) (*Row, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(t.columns, ", "), t.name)
	where, args := f.where(t.pathCol)
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY id LIMIT 1"

	rows, err := t.db.sqlDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "fetch first row")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return t.scanRow(rows)
}

// Optimize rebuilds the vector graph from stored vectors, dropping nodes
// orphaned by lazy deletion, persists it, and checkpoints the WAL. Stored
// vectors whose width no longer matches the configured dimensions are
// skipped and reported through a warning error the caller logs and
// continues past.
func (t *Table) Optimize(ctx context.Context) error {
	stmt := fmt.Sprintf(
		"SELECT id, vector FROM %s WHERE vector IS NOT NULL", t.name)
	rows, err := t.db.sqlDB.QueryContext(ctx, stmt)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "load vectors")
	}

	var ids []string
	var vecs [][]float32
	var skipped int
	for rows.Next() {
		var id string
		var buf []byte
		if err := rows.Scan(&id, &buf); err != nil {
			_ = rows.Close()
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "scan vector")
		}
		vec := decodeVector(buf)
		if len(vec) != t.db.dims {
			skipped++
			continue
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "iterate vectors")
	}
	_ = rows.Close()

	t.vec.reset()
	if err := t.vec.add(ids, vecs); err != nil {
		return err
	}
	if err := t.vec.save(t.vecPath); err != nil {
		return err
	}
	if _, err := t.db.sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "checkpoint wal")
	}

	if skipped > 0 {
		return errors.Newf(errors.ErrCodeLegacyVectors,
			"%d stored vectors have a stale width and were skipped; re-index to refresh them", skipped)
	}
	return nil
}

// columnValue maps a column name to its Row field for inserts.
func columnValue(r *Row, col string) any {
	switch col {
	case "id":
		return r.ID
	case "project_path":
		return r.ProjectPath
	case "path":
		return r.Path
	case "content":
		return r.Content
	case "language":
		return r.Language
	case "content_hash":
		return r.ContentHash
	case "last_modified":
		return r.LastModified
	case "record_type":
		return r.RecordType
	case "original_document_path":
		return r.OriginalDocumentPath
	case "document_title":
		return r.DocumentTitle
	case "heading_text":
		return r.HeadingText
	case "start_line":
		return r.StartLine
	case "repository":
		return r.Repository
	case "pr_number":
		return r.PRNumber
	case "author":
		return r.Author
	case "created_at":
		return r.CreatedAt
	case "file_path":
		return r.FilePath
	case "body":
		return r.Body
	case "comment_type":
		return r.CommentType
	case "matched_chunk":
		return r.MatchedChunk
	case "vector":
		return encodeVector(r.Vector)
	}
	return nil
}

// scanRow reads one result row into a Row, populating schema columns only.
func (t *Table) scanRow(rows *sql.Rows) (*Row, error) {
	r := &Row{}
	var vecBuf []byte

	dests := make([]any, len(t.columns))
	for i, col := range t.columns {
		switch col {
		case "id":
			dests[i] = &r.ID
		case "project_path":
			dests[i] = &r.ProjectPath
		case "path":
			dests[i] = &r.Path
		case "content":
			dests[i] = &r.Content
		case "language":
			dests[i] = &r.Language
		case "content_hash":
			dests[i] = &r.ContentHash
		case "last_modified":
			dests[i] = &r.LastModified
		case "record_type":
			dests[i] = &r.RecordType
		case "original_document_path":
			dests[i] = &r.OriginalDocumentPath
		case "document_title":
			dests[i] = &r.DocumentTitle
		case "heading_text":
			dests[i] = &r.HeadingText
		case "start_line":
			dests[i] = &r.StartLine
		case "repository":
			dests[i] = &r.Repository
		case "pr_number":
			dests[i] = &r.PRNumber
		case "author":
			dests[i] = &r.Author
		case "created_at":
			dests[i] = &r.CreatedAt
		case "file_path":
			dests[i] = &r.FilePath
		case "body":
			dests[i] = &r.Body
		case "comment_type":
			dests[i] = &r.CommentType
		case "matched_chunk":
			dests[i] = &r.MatchedChunk
		case "vector":
			dests[i] = &vecBuf
		default:
			var discard any
			dests[i] = &discard
		}
	}

	if err := rows.Scan(dests...); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "scan row")
	}
	r.Vector = decodeVector(vecBuf)
	return r, nil
}
