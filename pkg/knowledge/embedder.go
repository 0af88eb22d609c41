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

	"github.com/philippgille/chromem-go"

	"github.com/olavlabs/olav/pkg/llm"
)

// chromemEmbedder adapts a chromem embedding func to llm.Embedder so
// one embedding client serves both the embedded episodic store and the
// remote qdrant indexes.
type chromemEmbedder struct {
	fn chromem.EmbeddingFunc
}

func (e *chromemEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.fn(ctx, text)
}

// NewOpenAIEmbedder returns an embedder backed by an OpenAI-compatible
// embeddings endpoint.
func NewOpenAIEmbedder(baseURL, apiKey, model string) llm.Embedder {
	return &chromemEmbedder{
		fn: chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil),
	}
}
