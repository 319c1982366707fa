package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// PgvectorStore implements VectorStoreDriver on PostgreSQL with the pgvector
// extension. The connection URL comes from DATABASE_URL.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore connects, registers the vector type on every pooled
// connection and creates the memory table if needed.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector parse url: %w", err)
	}

	// The extension may not exist on the very first connection; migrate
	// creates it and later connections register cleanly.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			log.Debug().Err(err).Msg("pgvector types not registered yet")
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}
	// Drop connections opened before the extension existed.
	pool.Reset()

	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS agent_memories (
			id         TEXT NOT NULL,
			scope      TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (scope, id)
		);

		CREATE INDEX IF NOT EXISTS idx_agent_memories_scope ON agent_memories (scope);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) Upsert(ctx context.Context, docs []contracts.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO agent_memories (id, scope, content, metadata, embedding, created_at) VALUES `)

	args := make([]interface{}, 0, len(docs)*6)
	now := time.Now().UTC()
	for i, d := range docs {
		if len(d.Vector) != s.dimensions {
			return fmt.Errorf("pgvector upsert: vector has %d dims, want %d", len(d.Vector), s.dimensions)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*6 + 1
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5)
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		metadata := d.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		args = append(args, id, d.Scope, d.Content, metadata, pgvector.NewVector(d.Vector), now)
	}

	sb.WriteString(` ON CONFLICT (scope, id) DO UPDATE SET
		content = EXCLUDED.content,
		metadata = EXCLUDED.metadata,
		embedding = EXCLUDED.embedding`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, scope string, vector []float32, topK int) ([]contracts.Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scope, content, metadata, 1 - (embedding <=> $1) AS score
		FROM agent_memories
		WHERE scope = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, pgvector.NewVector(vector), scope, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []contracts.Memory
	for rows.Next() {
		var m contracts.Memory
		if err := rows.Scan(&m.ID, &m.Scope, &m.Content, &m.Metadata, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}
