// Package llm issues streaming generation requests to an Ollama compatible
// endpoint and relays the response.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chriskillpack/whiskers/relay"
	"go.uber.org/zap"
)

const (
	DefaultScheme  = "https"
	DefaultTimeout = 120 * time.Second

	generatePath = "/api/generate"
)

// AuthMode selects how the credential reaches the endpoint.
type AuthMode int

const (
	// AuthURL embeds the credential in the URL authority,
	// scheme://credential@host/api/generate. This is what the deployed
	// endpoint expects. URLs get logged, prefer AuthHeader where possible.
	AuthURL AuthMode = iota

	// AuthHeader sends the credential in the Authorization header, as basic
	// auth when it has the user:password form and as a bearer token otherwise.
	AuthHeader
)

func ParseAuthMode(s string) (AuthMode, error) {
	switch strings.ToLower(s) {
	case "", "url":
		return AuthURL, nil
	case "header":
		return AuthHeader, nil
	}
	return AuthURL, fmt.Errorf("unknown auth mode %q", s)
}

// UpstreamError is returned for a non-2xx reply from the generation endpoint.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation endpoint returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	Host       string // host[:port], no scheme
	Credential string
	Scheme     string // defaults to DefaultScheme
	AuthMode   AuthMode

	// HTTPClient defaults to a client with DefaultTimeout.
	HTTPClient *http.Client

	Relay relay.Options
}

// Client sends prompts and relays the streamed response.
type Client struct {
	host       string
	credential string
	scheme     string
	authMode   AuthMode

	client *http.Client
	relay  *relay.Relay
	logger *zap.Logger
}

func New(cfg Config) *Client {
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	// Generation always streams JSON objects
	cfg.Relay.Decoder = relay.Structured{}

	logger := cfg.Relay.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		host:       cfg.Host,
		credential: cfg.Credential,
		scheme:     cfg.Scheme,
		authMode:   cfg.AuthMode,
		client:     cfg.HTTPClient,
		relay:      relay.New(cfg.Relay),
		logger:     logger,
	}
}

// GenerateURL returns the generation endpoint. In AuthURL mode it carries
// the credential.
func (c *Client) GenerateURL() string {
	u := url.URL{
		Scheme: c.scheme,
		Host:   c.host,
		Path:   generatePath,
	}
	if c.authMode == AuthURL && c.credential != "" {
		u.User = userinfo(c.credential)
	}
	return u.String()
}

func userinfo(cred string) *url.Userinfo {
	if user, pass, ok := strings.Cut(cred, ":"); ok {
		return url.UserPassword(user, pass)
	}
	return url.User(cred)
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Generate streams a completion of prompt from model through the relay and
// returns the relay's result. Request failures are reported the same way as
// relay failures, with relay.KindUpstream.
func (c *Client) Generate(ctx context.Context, model, prompt string) relay.Result {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		return c.relay.Abort(relay.KindEncode, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GenerateURL(), bytes.NewReader(body))
	if err != nil {
		return c.relay.Abort(relay.KindUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authMode == AuthHeader && c.credential != "" {
		if user, pass, ok := strings.Cut(c.credential, ":"); ok {
			req.SetBasicAuth(user, pass)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.credential)
		}
	}

	c.logger.Debug("generate", zap.String("host", c.host), zap.String("model", model), zap.Int("prompt_len", len(prompt)))
	resp, err := c.client.Do(req)
	if err != nil {
		return c.relay.Abort(relay.KindUpstream, redact(err, c.credential))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return c.relay.Abort(relay.KindUpstream, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		})
	}

	return c.relay.Run(ctx, relay.Lines(resp.Body))
}

// redact strips the credential from transport errors, which quote the URL.
func redact(err error, cred string) error {
	if cred == "" {
		return err
	}
	// url.Error prints the request URL, where the credential is escaped
	msg := err.Error()
	for _, s := range []string{cred, userinfo(cred).String()} {
		msg = strings.ReplaceAll(msg, s, "xxxxx")
	}
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s", msg)
}
