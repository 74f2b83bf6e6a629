package whiskers

import (
	"fmt"
	"net/http"

	"github.com/chriskillpack/whiskers/describer"
	"github.com/chriskillpack/whiskers/internal/llama"
	"github.com/chriskillpack/whiskers/internal/ollama"
	"github.com/chriskillpack/whiskers/internal/openai"
)

const (
	DefaultVisionModel = "llava"
	DefaultEmbedModel  = "nomic-embed-text"
)

type InitOptions struct {
	LlamaServer string
	LlamaSeed   int

	OllamaServer      string
	OllamaVisionModel string // defaults to DefaultVisionModel
	OllamaEmbedModel  string // defaults to DefaultEmbedModel

	// OpenAI selects OpenAI for embeddings. It is never used for captioning.
	OpenAI bool

	HttpClient *http.Client // if nil uses http.DefaultClient
}

// Whiskers bundles the captioning and embedding backends.
type Whiskers struct {
	describer.Describer

	Embedder describer.Embedder
}

func Init(wio InitOptions) (*Whiskers, error) {
	w := &Whiskers{}

	httpClient := wio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var n int
	if wio.LlamaServer != "" {
		n++
	}
	if wio.OllamaServer != "" {
		n++
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("no captioning backend selected")
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("multiple captioning backends selected, only one allowed")
	}

	visionModel := wio.OllamaVisionModel
	if visionModel == "" {
		visionModel = DefaultVisionModel
	}
	embedModel := wio.OllamaEmbedModel
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}

	var ol *ollama.Client
	if wio.OllamaServer != "" {
		ol = ollama.Init(visionModel, embedModel, wio.OllamaServer, httpClient)
	}

	if wio.LlamaServer != "" {
		w.Describer = llama.Init(wio.LlamaServer, wio.LlamaSeed, httpClient)
	} else {
		w.Describer = ol
	}

	switch {
	case wio.OpenAI:
		w.Embedder = openai.Init(httpClient)
	case ol != nil:
		w.Embedder = ol.Embedder()
	default:
		return nil, fmt.Errorf("no embeddings backend selected, llama cannot compute embeddings")
	}

	return w, nil
}
