package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint, grounded
// on the request/response shape of features/model's OpenAI-compatible
// adapter (internal/service/llm/openai/openai.go in the broader
// retrieval pack), generalized from chat completions to embeddings.
type HTTPEmbedder struct {
	client  *klient.Client
	baseURL string
}

// NewHTTPEmbedder constructs an HTTPEmbedder targeting baseURL (e.g.
// "https://api.openai.com/v1/embeddings") authenticated with apiKey.
func NewHTTPEmbedder(baseURL, apiKey string) (*HTTPEmbedder, error) {
	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithHeaderSet(headers),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindConfigMissing, "construct embeddings http client", err)
	}
	return &HTTPEmbedder{client: client, baseURL: baseURL}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string, model Model) ([]float32, error) {
	vecs, err := e.EmbedMany(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *HTTPEmbedder) EmbedMany(ctx context.Context, texts []string, model Model) ([][]float32, error) {
	for _, t := range texts {
		if err := checkInputSize(t, model); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(embeddingRequest{Model: model.Name, Input: texts})
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal embedding request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "build embedding request", err)
	}

	var result embeddingResponse
	if err := e.client.Do(req, func(r *http.Response) error {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &result)
	}); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindNetworkTimeout, "embedding request failed", err)
	}
	if result.Error != nil {
		return nil, shinkaierrors.New(shinkaierrors.KindResponseParseError, fmt.Sprintf("embedding provider error: %s", result.Error.Message))
	}
	if len(result.Data) != len(texts) {
		return nil, shinkaierrors.New(shinkaierrors.KindResponseParseError, "embedding response count mismatch")
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, shinkaierrors.New(shinkaierrors.KindResponseParseError, "embedding response index out of range")
		}
		out[d.Index] = applyNormalization(d.Embedding, model)
	}
	return out, nil
}
