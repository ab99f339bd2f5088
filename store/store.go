// Package store persists document units and their embeddings, and keeps the
// routed-question audit log.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/nlquery/projector"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// index dimension.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

	// ErrNotFound is returned when no document has the given reference.
	ErrNotFound = errors.New("store: document not found")
)

// Hit is one search result. Score is cosine similarity in [-1, 1].
type Hit struct {
	ID    int64          `json:"id"`
	Ref   string         `json:"ref"`
	Unit  projector.Unit `json:"unit"`
	Score float64        `json:"score"`
}

// Document is a row in the documents table.
type Document struct {
	ID          int64             `json:"id"`
	Ref         string            `json:"ref"`
	EntityType  string            `json:"entity_type"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// QueryLog is a row in the query_log table.
type QueryLog struct {
	QuestionID   string   `json:"question_id"`
	SessionID    string   `json:"session_id"`
	Question     string   `json:"question"`
	Answer       string   `json:"answer"`
	Strategy     string   `json:"strategy"`
	Category     string   `json:"category"`
	Confidence   float64  `json:"confidence"`
	SQL          string   `json:"sql"`
	DocumentRefs []string `json:"document_refs"`
	Attempts     int      `json:"attempts"`
	Fallback     bool     `json:"fallback"`
	Elapsed      time.Duration
}

// Store wraps the SQLite database holding the vector index.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", embeddingDim)
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// Upsert stores a unit and its vector under ref. Writing the same ref again
// replaces both, so re-indexing a corpus never duplicates entries.
func (s *Store) Upsert(ctx context.Context, ref string, vector []float32, unit projector.Unit) error {
	if len(vector) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.embeddingDim)
	}
	meta, err := json.Marshal(unit.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (source_ref, entity_type, content, content_hash, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_ref) DO UPDATE SET
				entity_type = excluded.entity_type,
				content = excluded.content,
				content_hash = excluded.content_hash,
				metadata = excluded.metadata,
				updated_at = CURRENT_TIMESTAMP
		`, ref, unit.EntityType, unit.Text, contentHash(unit.Text), string(meta)); err != nil {
			return fmt.Errorf("upserting document %s: %w", ref, err)
		}

		// LastInsertId is unreliable after the UPDATE branch of an upsert.
		var id int64
		if err := tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE source_ref = ?", ref).Scan(&id); err != nil {
			return err
		}

		// vec0 has no upsert; replace the row explicitly.
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_documents WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vec_documents (document_id, embedding) VALUES (?, ?)",
			id, serializeFloat32(vector)); err != nil {
			return fmt.Errorf("inserting embedding for %s: %w", ref, err)
		}
		return nil
	})
}

// Search returns up to k documents nearest to vector, best first.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != s.embeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.embeddingDim)
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.source_ref, d.entity_type, d.content, d.metadata, v.distance
		FROM vec_documents v
		JOIN documents d ON d.id = v.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance, d.source_ref
	`, serializeFloat32(vector), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h        Hit
			meta     sql.NullString
			distance float64
		)
		if err := rows.Scan(&h.ID, &h.Ref, &h.Unit.EntityType, &h.Unit.Text, &meta, &distance); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &h.Unit.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", h.Ref, err)
			}
		}
		if ref, err := projector.ParseSourceRef(h.Ref); err == nil {
			h.Unit.Ref = ref
		}
		// Cosine distance is 1 - similarity.
		h.Score = 1 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Document retrieves a stored unit by reference.
func (s *Store) Document(ctx context.Context, ref string) (*Document, error) {
	doc := &Document{}
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_ref, entity_type, content, content_hash, metadata, created_at, updated_at
		FROM documents WHERE source_ref = ?
	`, ref).Scan(&doc.ID, &doc.Ref, &doc.EntityType, &doc.Content, &doc.ContentHash,
		&meta, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", ref, err)
		}
	}
	return doc, nil
}

// Delete removes a unit and its embedding.
func (s *Store) Delete(ctx context.Context, ref string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE source_ref = ?", ref).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_documents WHERE document_id = ?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		return err
	})
}

// LogQuery records a routed question.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	refs, err := json.Marshal(q.DocumentRefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_log (question_id, session_id, question, answer, strategy, category,
			confidence, sql_text, document_refs, attempts, fallback, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.QuestionID, q.SessionID, q.Question, q.Answer, q.Strategy, q.Category,
		q.Confidence, q.SQL, string(refs), q.Attempts, q.Fallback, q.Elapsed.Milliseconds())
	return err
}

// RecentQueries returns the last n logged questions, newest first.
func (s *Store) RecentQueries(ctx context.Context, n int) ([]QueryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, COALESCE(session_id, ''), question, COALESCE(answer, ''),
			COALESCE(strategy, ''), COALESCE(category, ''), COALESCE(confidence, 0),
			COALESCE(sql_text, ''), COALESCE(document_refs, '[]'), attempts, fallback, elapsed_ms
		FROM query_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryLog
	for rows.Next() {
		var (
			q       QueryLog
			refs    string
			elapsed int64
		)
		if err := rows.Scan(&q.QuestionID, &q.SessionID, &q.Question, &q.Answer, &q.Strategy,
			&q.Category, &q.Confidence, &q.SQL, &refs, &q.Attempts, &q.Fallback, &elapsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &q.DocumentRefs); err != nil {
			return nil, err
		}
		q.Elapsed = time.Duration(elapsed) * time.Millisecond
		out = append(out, q)
	}
	return out, rows.Err()
}

// Stats holds counts of key database objects.
type Stats struct {
	Documents  int `json:"documents"`
	Embeddings int `json:"embeddings"`
	Queries    int `json:"queries"`
}

// Stats returns counts of documents, embeddings and logged queries.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM vec_documents", &stats.Embeddings},
		{"SELECT COUNT(*) FROM query_log", &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
