package describer

import "context"

// Describer captions an image using a specific LLM.
type Describer interface {
	// Name returns the name of the backing LLM server, e.g. "llama" or "ollama"
	Name() string

	// Model returns the name of the model used for captioning.
	Model() string

	// DescribeImage returns an English description of the provided image. The
	// image is the base64 encoded contents of the file. If hint is non-empty it
	// names the subject of the picture and is woven into the prompt.
	DescribeImage(ctx context.Context, imageB64 string, hint string) (string, error)

	// IsHealthy returns whether the LLM server is healthy.
	IsHealthy(ctx context.Context) bool
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	// Model returns the name of the embedding model. Vectors from different
	// models are not comparable.
	Model() string

	// Embeddings returns the embeddings vector for the given text.
	Embeddings(ctx context.Context, text string) ([]float32, error)
}
