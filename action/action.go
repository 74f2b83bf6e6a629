// Package action implements the request handlers of the cat RAG demo. Each
// handler is stateless: it takes a Request, talks to its collaborators and
// returns a Response.
package action

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/chriskillpack/whiskers"
	"github.com/chriskillpack/whiskers/relay"
)

// Action is a named request handler.
type Action interface {
	Name() string
	Handle(ctx context.Context, req Request) Response
}

type Request struct {
	Input Input  `json:"input"`
	State string `json:"state,omitempty"`
}

// Input is either free text or an object, e.g. a submitted form.
type Input struct {
	Text   string
	Object map[string]json.RawMessage
}

func TextInput(s string) Input { return Input{Text: s} }

func FormInput(fields map[string]string) Input {
	form, _ := json.Marshal(fields)
	return Input{Object: map[string]json.RawMessage{"form": form}}
}

func (in *Input) UnmarshalJSON(b []byte) error {
	*in = Input{}
	b = bytes.TrimSpace(b)

	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '"':
		return json.Unmarshal(b, &in.Text)
	case b[0] == '{':
		return json.Unmarshal(b, &in.Object)
	}
	// Numbers and booleans are taken as their literal text
	in.Text = string(b)
	return nil
}

func (in Input) MarshalJSON() ([]byte, error) {
	if in.Object != nil {
		return json.Marshal(in.Object)
	}
	return json.Marshal(in.Text)
}

// Form returns the submitted form fields, if the input is an object with a
// "form" key. Non string field values are ignored.
func (in Input) Form() (map[string]string, bool) {
	raw, ok := in.Object["form"]
	if !ok {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]string{}, true
	}
	form := make(map[string]string, len(fields))
	for k, v := range fields {
		var s string
		if json.Unmarshal(v, &s) == nil {
			form[k] = s
		}
	}
	return form, true
}

type Response struct {
	Output    string      `json:"output"`
	Streaming bool        `json:"streaming,omitempty"`
	HTML      string      `json:"html,omitempty"`
	Form      []FormField `json:"form,omitempty"`
	State     string      `json:"state,omitempty"`
}

type FormField struct {
	Label    string `json:"label"`
	Name     string `json:"name"`
	Required string `json:"required"`
	Type     string `json:"type"`
}

// ImageForm asks for a single picture upload in field "pic".
var ImageForm = []FormField{
	{
		Label:    "Load Image",
		Name:     "pic",
		Required: "true",
		Type:     "file",
	},
}

// Searcher finds the texts in a collection closest to a query.
type Searcher interface {
	VectorSearch(ctx context.Context, collection, text string, limit int) ([]whiskers.SearchHit, error)
}

// Inserter stores a text in a collection.
type Inserter interface {
	Insert(ctx context.Context, collection, text string) (whiskers.InsertResult, error)
}

// VectorDB is everything the loader needs from the vector database.
// *whiskers.VectorDB implements it.
type VectorDB interface {
	Searcher
	Inserter
	CreateCollection(ctx context.Context, name string) error
	Collections(ctx context.Context) ([]string, error)
	RemoveMatching(ctx context.Context, collection, substr string) (int, error)
	DropCollection(ctx context.Context, collection string) (int, error)
}

// Generator streams a completion. *llm.Client implements it.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) relay.Result
}

// Captioner describes a base64 encoded image.
type Captioner interface {
	DescribeImage(ctx context.Context, imageB64 string, hint string) (string, error)
}

func imageHTML(pic string) string {
	return `<img src="data:image/png;base64,` + pic + `">`
}
