package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// QdrantConfig holds connection settings for a Qdrant instance (gRPC port).
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// QdrantStore implements VectorStoreDriver on a Qdrant collection. Memories
// of every scope share one collection and are filtered by a keyword payload
// index on "scope".
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimensions uint64
}

// NewQdrantStore connects and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}

	s := &QdrantStore{client: client, collection: cfg.Collection, dimensions: uint64(cfg.Dimensions)}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("collection", cfg.Collection).
		Msg("Qdrant vector store initialized")
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant collection exists: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dimensions,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "scope",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("qdrant create scope index: %w", err)
	}
	log.Info().Str("collection", s.collection).Msg("Qdrant collection created")
	return nil
}

func (s *QdrantStore) Kind() string { return "qdrant" }

func (s *QdrantStore) Upsert(ctx context.Context, docs []contracts.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, d := range docs {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		payload := map[string]any{
			"doc_id":  id,
			"scope":   d.Scope,
			"content": d.Content,
		}
		for k, v := range d.Metadata {
			payload["md_"+k] = v
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(d.Scope, id)),
			Vectors: qdrant.NewVectorsDense(d.Vector),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, scope string, vector []float32, topK int) ([]contracts.Memory, error) {
	limit := uint64(topK)
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("scope", scope)},
		},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	results := make([]contracts.Memory, 0, len(scored))
	for _, sp := range scored {
		m := contracts.Memory{
			ID:    sp.Payload["doc_id"].GetStringValue(),
			Scope: sp.Payload["scope"].GetStringValue(),
			Score: float64(sp.Score),
		}
		if m.ID == "" {
			m.ID = sp.Id.GetUuid()
		}
		m.Content = sp.Payload["content"].GetStringValue()
		for k, v := range sp.Payload {
			if len(k) > 3 && k[:3] == "md_" {
				if m.Metadata == nil {
					m.Metadata = map[string]string{}
				}
				m.Metadata[k[3:]] = v.GetStringValue()
			}
		}
		results = append(results, m)
	}
	return results, nil
}

func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// pointID maps a scoped document id onto the UUID space Qdrant requires.
func pointID(scope, id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(scope+":"+id)).String()
}
