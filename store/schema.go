package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document units, one per projected row, keyed by source reference
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    source_ref TEXT NOT NULL UNIQUE,
    entity_type TEXT NOT NULL,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Unit embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_documents USING vec0(
    document_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Routed question audit log
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    question_id TEXT NOT NULL,
    session_id TEXT,
    question TEXT NOT NULL,
    answer TEXT,
    strategy TEXT,
    category TEXT,
    confidence REAL,
    sql_text TEXT,
    document_refs JSON,
    attempts INTEGER DEFAULT 0,
    fallback INTEGER DEFAULT 0,
    elapsed_ms INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_entity ON documents(entity_type);
CREATE INDEX IF NOT EXISTS idx_query_log_question ON query_log(question_id);
`, embeddingDim)
}
