// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// WeaviateStore implements Store on an external weaviate instance. Vectors
// are supplied by the embedding service; the class is created with
// vectorizer "none".
type WeaviateStore struct {
	client *weaviate.Client
	class  string
	dim    int
}

// NewWeaviate connects to the weaviate instance at serviceURL (scheme
// optional, http assumed) and binds to class. The connection is not probed;
// EnsureSchema or Healthy surfaces reachability.
func NewWeaviate(serviceURL, class string, dim int) (*WeaviateStore, error) {
	host := strings.TrimPrefix(strings.TrimPrefix(serviceURL, "https://"), "http://")
	scheme := "http"
	if strings.HasPrefix(serviceURL, "https://") {
		scheme = "https"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	slog.Info("Initialized weaviate vector store", "host", host, "class", class, "dim", dim)
	return &WeaviateStore{client: client, class: class, dim: dim}, nil
}

// EnsureSchema creates the knowledge class when it does not exist yet.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx)
	if err == nil {
		return nil
	}

	indexFilterable := new(bool)
	*indexFilterable = true
	class := &models.Class{
		Class:       s.class,
		Description: "Knowledge-base passage with a pre-computed embedding.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:        "doc_id",
				DataType:    []string{"text"},
				Description: "Stable ingestion-assigned document id.",
				Tokenization: "field",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "content",
				DataType:    []string{"text"},
				Description: "Passage text injected into prompts.",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Citation string surfaced to clients.",
				Tokenization:    "field",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "metadata_json",
				DataType:    []string{"text"},
				Description: "Remaining metadata, JSON-encoded.",
			},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("%w: create class %s: %v", ErrUnavailable, s.class, err)
	}
	slog.Info("Created weaviate class", "class", s.class)
	return nil
}

// Upsert batches docs into the index. Object UUIDs are derived
// deterministically from the document id so re-ingestion replaces in place.
func (s *WeaviateStore) Upsert(ctx context.Context, docs []datatypes.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	objects := make([]*models.Object, 0, len(docs))
	for _, doc := range docs {
		if len(doc.Embedding) != s.dim {
			return 0, fmt.Errorf("%w: doc %s has %d, index wants %d",
				ErrDimension, doc.ID, len(doc.Embedding), s.dim)
		}
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata for %s: %w", doc.ID, err)
		}
		objects = append(objects, &models.Object{
			Class:  s.class,
			ID:     strfmt.UUID(deterministicUUID(doc.ID)),
			Vector: doc.Embedding,
			Properties: map[string]interface{}{
				"doc_id":        doc.ID,
				"content":       doc.Content,
				"source":        doc.Source(),
				"metadata_json": string(metaJSON),
			},
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: batch import: %v", ErrUnavailable, err)
	}

	written := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			written++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Weaviate batch item failed", "class", s.class, "error", e.Message)
			}
		}
	}
	return written, nil
}

func (s *WeaviateStore) SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64) ([]Match, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, index wants %d", ErrDimension, len(vector), s.dim)
	}
	k = clampK(k)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "doc_id"},
		{Name: "content"},
		{Name: "source"},
		{Name: "metadata_json"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "distance"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: near-vector query: %v", ErrUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: near-vector query: %s", ErrUnavailable, result.Errors[0].Message)
	}

	matches, err := s.parseHits(result.Data)
	if err != nil {
		return nil, err
	}
	return rankMatches(matches, k, threshold), nil
}

// parseHits walks the GraphQL Get response for the bound class.
func (s *WeaviateStore) parseHits(data map[string]models.JSONObject) ([]Match, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rows, ok := get[s.class].([]interface{})
	if !ok {
		return nil, nil
	}

	matches := make([]Match, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		doc := datatypes.Document{
			ID:      stringProp(row, "doc_id"),
			Content: stringProp(row, "content"),
		}
		if metaJSON := stringProp(row, "metadata_json"); metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
				slog.Warn("Dropping unreadable metadata", "doc_id", doc.ID, "error", err)
			}
		}
		if doc.Metadata == nil {
			doc.Metadata = map[string]string{}
		}
		if src := stringProp(row, "source"); src != "" {
			doc.Metadata["source"] = src
		}

		similarity := 0.0
		if add, ok := row["_additional"].(map[string]interface{}); ok {
			if dist, ok := add["distance"].(float64); ok {
				// Cosine distance in [0, 2]; unit vectors keep it in [0, 1].
				similarity = 1 - dist
			}
		}
		matches = append(matches, Match{Document: doc, Similarity: similarity})
	}
	return matches, nil
}

func (s *WeaviateStore) Count(ctx context.Context) (int, error) {
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(s.class).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: aggregate count: %v", ErrUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("%w: aggregate count: %s", ErrUnavailable, result.Errors[0].Message)
	}

	agg, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[s.class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// DeleteAll drops and recreates the class. Weaviate has no truncate; the
// class round-trip is the supported way to clear an index.
func (s *WeaviateStore) DeleteAll(ctx context.Context) error {
	if err := s.client.Schema().ClassDeleter().WithClassName(s.class).Do(ctx); err != nil {
		return fmt.Errorf("%w: drop class %s: %v", ErrUnavailable, s.class, err)
	}
	slog.Warn("Dropped knowledge-base class", "class", s.class)
	return s.EnsureSchema(ctx)
}

func (s *WeaviateStore) Healthy(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ready {
		return fmt.Errorf("%w: not ready", ErrUnavailable)
	}
	return nil
}

// deterministicUUID folds a document id into a stable UUID so re-ingestion
// is an in-place replace rather than a duplicate row.
func deterministicUUID(docID string) string {
	hash := sha256.Sum256([]byte(docID))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

func stringProp(row map[string]interface{}, key string) string {
	v, _ := row[key].(string)
	return v
}

var _ Store = (*WeaviateStore)(nil)
