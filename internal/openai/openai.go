package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chriskillpack/whiskers/describer"
	"golang.org/x/time/rate"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const model = "text-embedding-3-small"

// Requests per minute allowed against the OpenAI API
const requestsPerMinute = 20

type openai struct {
	oac   *oagc.Client
	model string

	rl *rate.Limiter
}

var (
	_ describer.Embedder = &openai{}

	// This map has dual purposes, first is to define which models are used
	// and two the size of the embedding vectors we wish
	modelDimensions = map[string]int{
		"text-embedding-3-small": 512,
	}
)

// Init returns an OpenAI backed embedder. The API key is read from
// OPENAI_API_KEY by the client library.
func Init(httpClient *http.Client) *openai {
	if _, ok := modelDimensions[model]; !ok {
		panic("Unrecognized model")
	}

	return &openai{
		oac: oagc.NewClient(
			option.WithHTTPClient(httpClient),
		),
		model: model,
		rl:    rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), requestsPerMinute),
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

func (o *openai) Embeddings(ctx context.Context, text string) ([]float32, error) {
	if err := o.rl.Wait(ctx); err != nil {
		return nil, err
	}

	enp := oagc.EmbeddingNewParams{
		Input:      oagc.F(oagc.EmbeddingNewParamsInputUnion(oagc.EmbeddingNewParamsInputArrayOfStrings{text})),
		Model:      oagc.F(oagc.EmbeddingModel(o.model)),
		Dimensions: oagc.Int(int64(modelDimensions[o.model])),
	}
	resp, err := o.oac.Embeddings.New(ctx, enp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}
	if resp.Data[0].Object != oagc.EmbeddingObjectEmbedding {
		return nil, fmt.Errorf("unexpected object type %q", resp.Data[0].Object)
	}

	// Convert the float64 embedding vector to float32
	embs := make([]float32, len(resp.Data[0].Embedding))
	for i, em := range resp.Data[0].Embedding {
		embs[i] = float32(em)
	}

	return embs, nil
}
