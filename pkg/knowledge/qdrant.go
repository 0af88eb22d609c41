// Copyright 2025 OLAV Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

import (
	"context"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/observability"
)

const (
	SchemaCollection   = "olav_schema"
	DocumentCollection = "olav_docs"
)

// QdrantConfig locates the qdrant server backing the remote indexes.
type QdrantConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	APIKey string `yaml:"api_key,omitempty" json:"-"`
	UseTLS bool   `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// VectorIndex is a qdrant collection searched through an embedder. The
// schema index and the document index are two instances of it.
type VectorIndex struct {
	client     *qdrant.Client
	collection string
	name       string
	embedder   llm.Embedder
}

func newIndex(cfg QdrantConfig, embedder llm.Embedder, collection, name string) (*VectorIndex, error) {
	if embedder == nil {
		return nil, fault.New(fault.BadArguments, "%s requires an embedder", name)
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Unreachable, err, "failed to reach qdrant at %s:%d", cfg.Host, cfg.Port)
	}
	return &VectorIndex{client: client, collection: collection, name: name, embedder: embedder}, nil
}

// NewSchemaIndex opens the device data-table catalogue index.
func NewSchemaIndex(cfg QdrantConfig, embedder llm.Embedder) (*VectorIndex, error) {
	return newIndex(cfg, embedder, SchemaCollection, "schema_index")
}

// NewDocumentIndex opens the vendor manual / internal notes index.
func NewDocumentIndex(cfg QdrantConfig, embedder llm.Embedder) (*VectorIndex, error) {
	return newIndex(cfg, embedder, DocumentCollection, "document_index")
}

func (x *VectorIndex) Name() string { return x.name }

// Index upserts one entry, creating the collection on first use.
func (x *VectorIndex) Index(ctx context.Context, id, content string, metadata map[string]string) error {
	vector, err := x.embedder.Embed(ctx, content)
	if err != nil {
		return fault.Wrap(fault.Transient, err, "embedding failed")
	}

	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fault.Wrap(fault.Unreachable, err, "qdrant collection check failed")
	}
	if !exists {
		err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(vector)),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fault.Wrap(fault.Unreachable, err, "failed to create collection %s", x.collection)
		}
	}

	payload := map[string]*qdrant.Value{
		"content": qdrant.NewValueString(content),
		"source":  qdrant.NewValueString(x.name),
	}
	for k, v := range metadata {
		payload[k] = qdrant.NewValueString(v)
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fault.Wrap(fault.Unreachable, err, "qdrant upsert failed")
	}
	return nil
}

// Search embeds the query and returns the k nearest entries.
func (x *VectorIndex) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	tracer := observability.GetTracer("olav.knowledge")
	ctx, span := tracer.Start(ctx, observability.SpanRetrieval,
		trace.WithAttributes(attribute.String("knowledge.source", x.name)),
	)
	defer span.End()

	vector, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, err, "embedding failed")
	}

	limit := uint64(k)
	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fault.Wrap(fault.Unreachable, err, "qdrant query failed")
	}

	snippets := make([]Snippet, 0, len(points))
	for _, p := range points {
		md := make(map[string]string, len(p.Payload))
		content := ""
		for key, value := range p.Payload {
			s := value.GetStringValue()
			if key == "content" {
				content = s
				continue
			}
			md[key] = s
		}
		snippets = append(snippets, Snippet{
			ID:       pointID(p.Id),
			Content:  content,
			Score:    p.Score,
			Source:   x.name,
			Metadata: md,
		})
	}
	return snippets, nil
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return ""
}

func (x *VectorIndex) Close() error { return x.client.Close() }

var _ Source = (*VectorIndex)(nil)
