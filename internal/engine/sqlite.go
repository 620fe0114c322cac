package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/identity"
	"github.com/kilupskalvis/docgate/internal/models"
	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

// SQLite is an Engine backed by a single SQLite database in WAL mode.
// Each mutation is one immediate transaction; reads are single statements and
// therefore see a consistent committed snapshot.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initialize() error {
	schema := `
	-- Indexes and their committed primary key
	CREATE TABLE IF NOT EXISTS indexes (
		uid TEXT PRIMARY KEY,
		primary_key TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Documents; seq gives the natural order and survives replacement
	CREATE TABLE IF NOT EXISTS documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		index_uid TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		body JSON NOT NULL,
		UNIQUE(index_uid, doc_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_order ON documents(index_uid, seq);

	CREATE TABLE IF NOT EXISTS docgate_schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM docgate_schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version < currentSchemaVersion {
		if _, err := s.db.Exec("INSERT INTO docgate_schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// Apply commits m in a single transaction.
func (s *SQLite) Apply(ctx context.Context, uid string, m *models.Mutation) (*models.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	pk, err := ensureIndex(ctx, tx, uid, now)
	if err != nil {
		return nil, err
	}

	var out *models.Outcome
	switch m.Kind {
	case models.MutationAdd:
		out, err = applyAdd(ctx, tx, uid, pk, m)
	case models.MutationDelete:
		out, err = applyDelete(ctx, tx, uid, pk, m.IDs)
	case models.MutationClear:
		out, err = applyClear(ctx, tx, uid)
	default:
		err = docerr.New(docerr.CodeInternal, "unknown mutation kind %q", m.Kind)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE indexes SET updated_at = ? WHERE uid = ?", now, uid); err != nil {
		return nil, classify(err, "touch index")
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit")
	}
	return out, nil
}

// ensureIndex creates the index row if missing and returns its primary key.
func ensureIndex(ctx context.Context, tx *sql.Tx, uid string, now int64) (string, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexes (uid, primary_key, created_at, updated_at)
		VALUES (?, NULL, ?, ?)
		ON CONFLICT(uid) DO NOTHING
	`, uid, now, now)
	if err != nil {
		return "", classify(err, "create index")
	}

	var pk sql.NullString
	if err := tx.QueryRowContext(ctx, "SELECT primary_key FROM indexes WHERE uid = ?", uid).Scan(&pk); err != nil {
		return "", classify(err, "read primary key")
	}
	return pk.String, nil
}

func applyAdd(ctx context.Context, tx *sql.Tx, uid, committed string, m *models.Mutation) (*models.Outcome, error) {
	pk := committed
	switch {
	case m.PrimaryKey == "":
	case committed == "":
		pk = m.PrimaryKey
		if _, err := tx.ExecContext(ctx, "UPDATE indexes SET primary_key = ? WHERE uid = ?", pk, uid); err != nil {
			return nil, classify(err, "set primary key")
		}
	case committed != m.PrimaryKey:
		return nil, docerr.New(docerr.CodePrimaryKeyConflict,
			"index already has the primary key `%s`, cannot use `%s`", committed, m.PrimaryKey)
	}

	if len(m.Documents) > 0 && pk == "" {
		return nil, docerr.New(docerr.CodeMissingPrimaryKey, "index `%s` has no primary key", uid)
	}

	// The batch was resolved against the key projected at enqueue time; check
	// it again against the key committed in this transaction.
	ids, err := identity.Validate(pk, m.Documents)
	if err != nil {
		return nil, err
	}

	for i, doc := range m.Documents {
		id := ids[i]
		var existing []byte
		err := tx.QueryRowContext(ctx,
			"SELECT body FROM documents WHERE index_uid = ? AND doc_id = ?", uid, id).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			body, err := json.Marshal(doc)
			if err != nil {
				return nil, docerr.Internal(err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO documents (index_uid, doc_id, body) VALUES (?, ?, ?)", uid, id, string(body)); err != nil {
				return nil, classify(err, "insert document")
			}
		case err != nil:
			return nil, classify(err, "read document")
		default:
			next := doc
			if m.Method == models.MethodMerge {
				var prev models.Document
				if err := json.Unmarshal(existing, &prev); err != nil {
					return nil, docerr.Internal(fmt.Errorf("decode stored document %s: %w", id, err))
				}
				next = prev.Merge(doc)
			}
			body, err := json.Marshal(next)
			if err != nil {
				return nil, docerr.Internal(err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE documents SET body = ? WHERE index_uid = ? AND doc_id = ?", string(body), uid, id); err != nil {
				return nil, classify(err, "update document")
			}
		}
	}

	return &models.Outcome{Indexed: len(m.Documents), PrimaryKey: pk}, nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, uid, pk string, ids []string) (*models.Outcome, error) {
	out := &models.Outcome{PrimaryKey: pk}
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE index_uid = ? AND doc_id = ?", uid, id)
		if err != nil {
			return nil, classify(err, "delete document")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, classify(err, "delete document")
		}
		out.Deleted += int(n)
	}
	return out, nil
}

func applyClear(ctx context.Context, tx *sql.Tx, uid string) (*models.Outcome, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE index_uid = ?", uid)
	if err != nil {
		return nil, classify(err, "clear documents")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err, "clear documents")
	}
	if _, err := tx.ExecContext(ctx, "UPDATE indexes SET primary_key = NULL WHERE uid = ?", uid); err != nil {
		return nil, classify(err, "reset primary key")
	}
	return &models.Outcome{Deleted: int(n)}, nil
}

// Index returns the committed metadata of uid.
func (s *SQLite) Index(ctx context.Context, uid string) (*models.IndexInfo, error) {
	var (
		pk               sql.NullString
		created, updated int64
		count            int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT i.primary_key, i.created_at, i.updated_at,
			(SELECT COUNT(*) FROM documents d WHERE d.index_uid = i.uid)
		FROM indexes i WHERE i.uid = ?
	`, uid).Scan(&pk, &created, &updated, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, indexNotFound(uid)
	}
	if err != nil {
		return nil, classify(err, "read index")
	}

	return &models.IndexInfo{
		UID:        uid,
		PrimaryKey: pk.String,
		Documents:  count,
		CreatedAt:  time.Unix(0, created).UTC(),
		UpdatedAt:  time.Unix(0, updated).UTC(),
	}, nil
}

// Documents returns up to limit documents starting at offset, in natural order.
func (s *SQLite) Documents(ctx context.Context, uid string, offset, limit int) ([]*models.Document, error) {
	if err := s.exists(ctx, uid); err != nil {
		return nil, err
	}
	docs := make([]*models.Document, 0)
	if limit <= 0 {
		return docs, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM documents
		WHERE index_uid = ?
		ORDER BY seq
		LIMIT ? OFFSET ?
	`, uid, limit, offset)
	if err != nil {
		return nil, classify(err, "list documents")
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classify(err, "scan document")
		}
		var doc models.Document
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, docerr.Internal(fmt.Errorf("decode stored document: %w", err))
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list documents")
	}
	return docs, nil
}

// Document returns the document with the given canonical id.
func (s *SQLite) Document(ctx context.Context, uid, id string) (*models.Document, error) {
	if err := s.exists(ctx, uid); err != nil {
		return nil, err
	}

	var body []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE index_uid = ? AND doc_id = ?", uid, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docerr.New(docerr.CodeDocumentNotFound, "document `%s` not found", id)
	}
	if err != nil {
		return nil, classify(err, "read document")
	}

	var doc models.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, docerr.Internal(fmt.Errorf("decode stored document %s: %w", id, err))
	}
	return &doc, nil
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err, "ping")
	}
	return nil
}

func (s *SQLite) exists(ctx context.Context, uid string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM indexes WHERE uid = ?", uid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return indexNotFound(uid)
	}
	if err != nil {
		return classify(err, "read index")
	}
	return nil
}

func indexNotFound(uid string) error {
	return docerr.New(docerr.CodeIndexNotFound, "index `%s` not found", uid)
}

// classify turns a database error into a coded error. Lock contention is
// transient; everything else is internal.
func classify(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return docerr.Unavailable(fmt.Errorf("%s: %w", op, err))
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked") {
		return docerr.Unavailable(fmt.Errorf("%s: %w", op, err))
	}
	return docerr.Internal(fmt.Errorf("%s: %w", op, err))
}
