package action

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultModel      = "llama3.1:8b"
	DefaultCollection = "cats"
	DefaultRAGLimit   = 10

	RAGUsage = "Your query is then passed to the LLM with the sentences for an answer."

	contextPreamble = "Consider the following text:\n"
	promptPreamble  = "Answer to the following prompt:\n"
)

type RAGConfig struct {
	Collection string
	Limit      int
	Model      string
	Usage      string
}

func DefaultRAGConfig() RAGConfig {
	return RAGConfig{
		Collection: DefaultCollection,
		Limit:      DefaultRAGLimit,
		Model:      DefaultModel,
		Usage:      RAGUsage,
	}
}

// RAG answers a query with the LLM, giving it the closest texts from the
// collection as context.
type RAG struct {
	cfg    RAGConfig
	db     Searcher
	llm    Generator
	logger *zap.Logger
}

var _ Action = &RAG{}

func NewRAG(cfg RAGConfig, db Searcher, llm Generator, logger *zap.Logger) *RAG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAG{cfg: cfg, db: db, llm: llm, logger: logger}
}

func (r *RAG) Name() string { return "rag_img" }

func (r *RAG) Handle(ctx context.Context, req Request) Response {
	// Object inputs carry no query text and get the usage, like an empty string
	inp := req.Input.Text
	if inp == "" {
		return Response{Output: r.cfg.Usage, Streaming: true}
	}

	hits, err := r.db.VectorSearch(ctx, r.cfg.Collection, inp, r.cfg.Limit)
	if err != nil {
		r.logger.Error("vector search failed", zap.String("collection", r.cfg.Collection), zap.Error(err))
		return Response{Output: err.Error(), Streaming: true}
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	prompt := BuildPrompt(inp, texts)
	r.logger.Info("rag prompt", zap.Int("hits", len(hits)), zap.String("prompt", prompt))

	res := r.llm.Generate(ctx, r.cfg.Model, prompt)
	return Response{Output: res.Output, Streaming: true}
}

// BuildPrompt frames the query with the retrieved texts, in the order given.
// Without texts the prompt is the query alone.
func BuildPrompt(query string, texts []string) string {
	if len(texts) == 0 {
		return query
	}

	var sb strings.Builder
	sb.WriteString(contextPreamble)
	for _, t := range texts {
		sb.WriteString(t)
		sb.WriteString("\n")
	}
	sb.WriteString(promptPreamble)
	sb.WriteString(query)
	return sb.String()
}
