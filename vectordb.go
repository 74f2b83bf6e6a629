package whiskers

import (
	"context"
	"fmt"
	"time"

	"github.com/chriskillpack/whiskers/describer"
	"github.com/google/uuid"
)

// Document is a piece of text stored in a collection alongside its embedding.
type Document struct {
	ID         string
	Collection string
	Text       string
	Vector     []float32
	Model      string // embedding model that produced Vector
	CreatedAt  time.Time
}

// SearchHit is a single vector search result.
type SearchHit struct {
	ID    string
	Score float64
	Text  string
}

// InsertResult acknowledges an insert.
type InsertResult struct {
	IDs []string `json:"ids"`
}

// Store persists documents and answers nearest neighbour queries. DB and
// pgstore.Store implement it.
type Store interface {
	CreateCollection(ctx context.Context, name string) error
	Collections(ctx context.Context) ([]string, error)
	Insert(ctx context.Context, doc *Document) error
	// Search only scores documents embedded with model, or every document
	// when model is empty.
	Search(ctx context.Context, collection, model string, vector []float32, limit int) ([]SearchHit, error)
	RemoveMatching(ctx context.Context, collection, substr string) (int, error)
	DropCollection(ctx context.Context, collection string) (int, error)
}

// VectorDB embeds text with an Embedder and keeps it in a Store.
type VectorDB struct {
	store    Store
	embedder describer.Embedder

	now func() time.Time
}

func NewVectorDB(store Store, embedder describer.Embedder) *VectorDB {
	return &VectorDB{store: store, embedder: embedder, now: time.Now}
}

// VectorSearch embeds text and returns up to limit hits from collection,
// most relevant first. Documents embedded by another model are skipped.
func (v *VectorDB) VectorSearch(ctx context.Context, collection, text string, limit int) ([]SearchHit, error) {
	vec, err := v.embedder.Embeddings(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := v.store.Search(ctx, collection, v.embedder.Model(), vec, limit)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	return hits, nil
}

// Insert embeds text and stores it in collection.
func (v *VectorDB) Insert(ctx context.Context, collection, text string) (InsertResult, error) {
	vec, err := v.embedder.Embeddings(ctx, text)
	if err != nil {
		return InsertResult{}, fmt.Errorf("embedding document: %w", err)
	}

	doc := &Document{
		ID:         uuid.NewString(),
		Collection: collection,
		Text:       text,
		Vector:     vec,
		Model:      v.embedder.Model(),
		CreatedAt:  v.now(),
	}
	if err := v.store.Insert(ctx, doc); err != nil {
		return InsertResult{}, fmt.Errorf("inserting into %s: %w", collection, err)
	}
	return InsertResult{IDs: []string{doc.ID}}, nil
}

func (v *VectorDB) CreateCollection(ctx context.Context, name string) error {
	return v.store.CreateCollection(ctx, name)
}

func (v *VectorDB) Collections(ctx context.Context) ([]string, error) {
	return v.store.Collections(ctx)
}

func (v *VectorDB) RemoveMatching(ctx context.Context, collection, substr string) (int, error) {
	return v.store.RemoveMatching(ctx, collection, substr)
}

func (v *VectorDB) DropCollection(ctx context.Context, collection string) (int, error) {
	return v.store.DropCollection(ctx, collection)
}
