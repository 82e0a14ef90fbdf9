package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/npc-memory/memory/model"
)

// PostgresStore implements Index using Postgres + pgvector. Every row
// carries a character column holding the raw character id, which
// identifies the character's collection; no query ever crosses
// characters.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and returns a pgvector-backed Index.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", ErrStorageFailure, err)
	}
	return &PostgresStore{db: db}, nil
}

// CreateSchema ensures the pgvector extension and backing table exist.
func (p *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("%w: apply schema: %v", ErrStorageFailure, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}

func (p *PostgresStore) Add(ctx context.Context, character string, entries []model.Entry, vectors [][]float32) error {
	if len(entries) != len(vectors) {
		return fmt.Errorf("%w: entries/vectors length mismatch", ErrStorageFailure)
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback(ctx)
	for i, e := range entries {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata: %v", ErrStorageFailure, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO npc_memory_longterm (id, character, content, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5::vector, $6)
		`, e.ID, character, e.Content, string(metaJSON), vectorLiteral(vectors[i]), e.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: insert entry %s: %v", ErrStorageFailure, e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit tx: %v", ErrStorageFailure, err)
	}
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, character string, queryVector []float32, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, `
		SELECT id, content, metadata::text, created_at, (embedding <-> $2::vector) AS distance
		FROM npc_memory_longterm
		WHERE character = $1
		ORDER BY embedding <-> $2::vector, created_at DESC
		LIMIT $3
	`, character, vectorLiteral(queryVector), k)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var (
			e            model.Entry
			metadataText string
			distance     float64
		)
		if err := rows.Scan(&e.ID, &e.Content, &metadataText, &e.Timestamp, &distance); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStorageFailure, err)
		}
		e.Metadata = decodeMetadata(metadataText)
		out = append(out, Scored{Entry: e, Score: Similarity(distance)})
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAll(ctx context.Context, character string) ([]model.Entry, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, content, metadata::text, created_at
		FROM npc_memory_longterm
		WHERE character = $1
		ORDER BY created_at ASC
	`, character)
	if err != nil {
		return nil, fmt.Errorf("%w: query all: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var e model.Entry
		var metadataText string
		if err := rows.Scan(&e.ID, &e.Content, &metadataText, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStorageFailure, err)
		}
		e.Metadata = decodeMetadata(metadataText)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, character, id, content string, metadata map[string]any, vector []float32) (bool, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("%w: marshal metadata: %v", ErrStorageFailure, err)
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE npc_memory_longterm
		SET content = $3, metadata = $4::jsonb, embedding = $5::vector
		WHERE character = $1 AND id = $2
	`, character, id, content, string(metaJSON), vectorLiteral(vector))
	if err != nil {
		return false, fmt.Errorf("%w: update entry %s: %v", ErrStorageFailure, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) Delete(ctx context.Context, character, id string) (bool, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM npc_memory_longterm WHERE character = $1 AND id = $2`, character, id)
	if err != nil {
		return false, fmt.Errorf("%w: delete entry %s: %v", ErrStorageFailure, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) Clear(ctx context.Context, character string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM npc_memory_longterm WHERE character = $1`, character)
	if err != nil {
		return fmt.Errorf("%w: clear collection %s: %v", ErrStorageFailure, character, err)
	}
	return nil
}

func (p *PostgresStore) Count(ctx context.Context, character string) (int, error) {
	var count int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM npc_memory_longterm WHERE character = $1`, character).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorageFailure, err)
	}
	return count, nil
}

// Characters lists every character with at least one stored row.
func (p *PostgresStore) Characters(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT DISTINCT character FROM npc_memory_longterm`)
	if err != nil {
		return nil, fmt.Errorf("%w: list characters: %v", ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var character string
		if err := rows.Scan(&character); err != nil {
			return nil, fmt.Errorf("%w: scan character: %v", ErrStorageFailure, err)
		}
		out = append(out, character)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Has(ctx context.Context, character, id string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM npc_memory_longterm WHERE character = $1 AND id = $2)`, character, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: has: %v", ErrStorageFailure, err)
	}
	return exists, nil
}

func decodeMetadata(text string) map[string]any {
	if text == "" {
		return map[string]any{}
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(text), &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

// vectorLiteral renders a vector as pgvector's textual literal, e.g.
// "[0.1,0.2,0.3]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS npc_memory_longterm (
    id TEXT PRIMARY KEY,
    character TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB,
    embedding vector(768),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS npc_memory_character_idx ON npc_memory_longterm (character);
CREATE INDEX IF NOT EXISTS npc_memory_embedding_idx ON npc_memory_longterm USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
