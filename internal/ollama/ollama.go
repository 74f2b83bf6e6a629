package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/whiskers/describer"
)

const describePrompt = "Describe this image in detail. Mention the animals in it, their colors, their pose and the surroundings."

// Client talks to an Ollama server for image captioning and embeddings.
type Client struct {
	visionModel string
	embedModel  string
	srvAddr     string

	client *http.Client
}

var (
	_ describer.Describer = &Client{}
	_ describer.Embedder  = &Client{}
)

func Init(visionModel, embedModel, srvAddr string, httpClient *http.Client) *Client {
	return &Client{
		visionModel: visionModel,
		embedModel:  embedModel,
		srvAddr:     strings.TrimRight(srvAddr, "/"),
		client:      httpClient,
	}
}

func (c *Client) Name() string { return "ollama" }

// Model returns the vision model. EmbedModel is exposed through the Embedder
// view of the client.
func (c *Client) Model() string { return c.visionModel }

func (c *Client) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.srvAddr, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) DescribeImage(ctx context.Context, imageB64 string, hint string) (string, error) {
	prompt := describePrompt
	if hint != "" {
		prompt += fmt.Sprintf(" The cat in the picture is called %s, use the name in the description.", hint)
	}

	var gr generateResponse
	err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.visionModel,
		Prompt: prompt,
		Images: []string{imageB64},
		Stream: false,
	}, &gr)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(gr.Response), nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embedder is the Embedder view of the client, reporting the embedding model
// from Model().
type embedder struct{ *Client }

func (e embedder) Model() string { return e.embedModel }

// Embedder returns the client with Model() reporting the embedding model.
func (c *Client) Embedder() describer.Embedder { return embedder{c} }

func (c *Client) Embeddings(ctx context.Context, text string) ([]float32, error) {
	var er embedResponse
	if err := c.post(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: text}, &er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}

	return er.Embeddings[0], nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.srvAddr+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
