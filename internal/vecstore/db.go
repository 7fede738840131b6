package vecstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/reviewloop/reviewloop/internal/errors"
)

// ErrTableMissing is the sentinel DB.Table errors match against via
// errors.Is; the returned error itself names the table.
var ErrTableMissing = errors.TableMissing("")

// Options configures a store.
type Options struct {
	// LexicalBackend selects the keyword index: BackendBleve (default) or
	// BackendFTS5.
	LexicalBackend string
	// RRFConstant is the fusion smoothing parameter (default 60).
	RRFConstant int
}

// DB is one project's hybrid store: records.db plus per-table lexical
// indexes and vector graphs under the same directory.
type DB struct {
	dir  string
	dims int
	opts Options

	sqlDB *sql.DB

	mu     sync.Mutex
	tables map[string]*Table
	closed bool
}

// Open opens or creates the store under dir. dims is the embedding width
// used for new vector graphs.
//
// A corrupt records.db is reset in place; in that case Open returns both a
// usable empty DB and a warning error the caller surfaces (a re-index is
// required).
func Open(dir string, dims int, opts Options) (*DB, error) {
	if opts.LexicalBackend == "" {
		opts.LexicalBackend = BackendBleve
	}
	if opts.RRFConstant <= 0 {
		opts.RRFConstant = DefaultRRFConstant
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeFilePermission, err, "create store dir %s", dir)
	}

	dbPath := filepath.Join(dir, "records.db")
	var resetErr error
	if err := checkIntegrity(dbPath); err != nil {
		slog.Warn("records.db failed integrity check, resetting store",
			slog.String("path", dbPath),
			slog.String("error", err.Error()))
		if err := resetStoreFiles(dir); err != nil {
			return nil, err
		}
		resetErr = errors.New(errors.ErrCodeIndexCorrupt,
			"store was corrupt and has been reset; re-index required", nil).
			WithSuggestion("run 'reviewloop embeddings generate' to rebuild the index")
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBConnection, err, "open records.db")
	}

	// Single writer connection prevents SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores DSN pragmas, set them explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrapf(errors.ErrCodeDBConnection, err, "set pragma")
		}
	}

	db := &DB{
		dir:    dir,
		dims:   dims,
		opts:   opts,
		sqlDB:  sqlDB,
		tables: make(map[string]*Table),
	}
	if err := db.initCatalog(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, resetErr
}

// checkIntegrity runs PRAGMA integrity_check against an existing database.
func checkIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// resetStoreFiles removes records.db and the derived index files.
func resetStoreFiles(dir string) error {
	targets := []string{
		filepath.Join(dir, "records.db"),
		filepath.Join(dir, "records.db-wal"),
		filepath.Join(dir, "records.db-shm"),
		filepath.Join(dir, "lexical"),
		filepath.Join(dir, "vectors"),
	}
	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			return errors.Wrapf(errors.ErrCodeFilePermission, err, "reset store file %s", t)
		}
	}
	return nil
}

// initCatalog creates the table catalog and loads registered tables.
func (db *DB) initCatalog() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vec_tables (
		name TEXT PRIMARY KEY,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);`
	if _, err := db.sqlDB.Exec(schema); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "create catalog")
	}

	rows, err := db.sqlDB.Query("SELECT name FROM vec_tables")
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "load catalog")
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "scan catalog")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "iterate catalog")
	}

	for _, name := range names {
		t, err := db.openTable(name)
		if err != nil {
			return err
		}
		db.tables[name] = t
	}
	return nil
}

// Table returns the handle for an initialized table, or ErrTableMissing.
func (db *DB) Table(name string) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, errors.New(errors.ErrCodeDBConnection, "store is closed", nil)
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, errors.TableMissing(name)
	}
	return t, nil
}

// CreateTable initializes a table, its lexical index, and its vector
// graph. Idempotent: an existing table is returned unchanged.
func (db *DB) CreateTable(name string) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, errors.New(errors.ErrCodeDBConnection, "store is closed", nil)
	}
	if t, ok := db.tables[name]; ok {
		return t, nil
	}
	if _, known := tableColumns[name]; !known {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown table %q", name)
	}

	t, err := db.openTable(name)
	if err != nil {
		return nil, err
	}
	if _, err := db.sqlDB.Exec(
		"INSERT OR IGNORE INTO vec_tables(name) VALUES (?)", name); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "register table %s", name)
	}
	db.tables[name] = t
	return t, nil
}

// openTable creates the row table if needed and opens the derived indexes.
func (db *DB) openTable(name string) (*Table, error) {
	cols, ok := tableColumns[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown table %q", name)
	}

	defs := make([]string, len(cols))
	for i, col := range cols {
		typ := columnTypes[col]
		if typ == "" {
			typ = "TEXT"
		}
		if col == "id" {
			typ += " PRIMARY KEY"
		}
		defs[i] = col + " " + typ
	}
	schema := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(defs, ", "))
	if _, err := db.sqlDB.Exec(schema); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "create table %s", name)
	}

	var lex lexicalIndex
	var err error
	switch db.opts.LexicalBackend {
	case BackendFTS5:
		lex, err = newFTS5Index(db.sqlDB, name)
	default:
		lex, err = newBleveIndex(filepath.Join(db.dir, "lexical", name+".bleve"))
	}
	if err != nil {
		return nil, err
	}

	vec := newVectorIndex(db.dims)
	vecPath := db.vectorPath(name)
	if err := vec.load(vecPath); err != nil {
		// A bad graph file is rebuilt from stored vectors by Optimize;
		// start empty rather than failing the open.
		slog.Warn("vector graph unreadable, starting empty",
			slog.String("table", name),
			slog.String("error", err.Error()))
		vec = newVectorIndex(db.dims)
	}

	return &Table{
		name:    name,
		db:      db,
		columns: cols,
		pathCol: pathColumn[name],
		lex:     lex,
		vec:     vec,
		vecPath: vecPath,
	}, nil
}

func (db *DB) vectorPath(table string) string {
	return filepath.Join(db.dir, "vectors", table+".hnsw")
}

// DropTable removes a table and its derived indexes.
func (db *DB) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.dropTableLocked(name)
}

func (db *DB) dropTableLocked(name string) error {
	if db.closed {
		return errors.New(errors.ErrCodeDBConnection, "store is closed", nil)
	}

	if t, ok := db.tables[name]; ok {
		_ = t.lex.Close()
		_ = t.vec.close()
		delete(db.tables, name)
	}

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", name),
		fmt.Sprintf("DROP TABLE IF EXISTS %s_fts", name),
		"DELETE FROM vec_tables WHERE name = ?",
	}
	for _, stmt := range stmts {
		var err error
		if strings.Contains(stmt, "?") {
			_, err = db.sqlDB.Exec(stmt, name)
		} else {
			_, err = db.sqlDB.Exec(stmt)
		}
		if err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "drop table %s", name)
		}
	}

	if err := os.RemoveAll(filepath.Join(db.dir, "lexical", name+".bleve")); err != nil {
		return errors.Wrapf(errors.ErrCodeFilePermission, err, "remove lexical index")
	}
	for _, suffix := range []string{"", ".meta"} {
		if err := os.RemoveAll(db.vectorPath(name) + suffix); err != nil {
			return errors.Wrapf(errors.ErrCodeFilePermission, err, "remove vector graph")
		}
	}
	return nil
}

// DropAll removes every registered table.
func (db *DB) DropAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	for _, name := range names {
		if err := db.dropTableLocked(name); err != nil {
			return err
		}
	}
	return nil
}

// SQL exposes the underlying connection for sibling stores (run state,
// crawl cursors) that share records.db.
func (db *DB) SQL() *sql.DB {
	return db.sqlDB
}

// Dir returns the store directory.
func (db *DB) Dir() string {
	return db.dir
}

// Close persists every vector graph and closes the indexes and database.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	for name, t := range db.tables {
		if t.vec.count() > 0 {
			if err := t.vec.save(t.vecPath); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := t.lex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		_ = t.vec.close()
		delete(db.tables, name)
	}

	_, _ = db.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := db.sqlDB.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(errors.ErrCodeDBConnection, err, "close records.db")
	}
	return firstErr
}
