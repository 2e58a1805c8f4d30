// Package llm talks to the augmented extraction capability: a local chat model served over
// the Ollama HTTP API that turns a caption into the seven-field event contract.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "http://localhost:11434"
	defaultModel       = "gemma2:9b"
	defaultHTTPTimeout = 60 * time.Second
	chatPath           = "/api/chat"
	tagsPath           = "/api/tags"
	jsonFormat         = "json"
)

var (
	// ErrCapabilityUnavailable reports that the capability could not be reached or timed out.
	ErrCapabilityUnavailable = errors.New("llm: capability unavailable")
	// ErrMalformedResponse reports that the capability answered with something that is not the contract.
	ErrMalformedResponse = errors.New("llm: malformed response")
	errEmptyCaption      = errors.New("llm: caption required")
)

// Config captures the runtime settings required to talk to the capability.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client issues single, non-retried extraction requests.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a capability client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &Client{
		cfg: Config{
			BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:   strings.TrimSpace(cfg.Model),
			Timeout: timeout,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	if client.cfg.Model == "" {
		client.cfg.Model = defaultModel
	}
	return client
}

// Model reports the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Fields is the seven-field output contract of the capability.
type Fields struct {
	EventTitle      *string  `json:"eventTitle"`
	EventOrganizer  *string  `json:"eventOrganizer"`
	PhoneNumbers    []string `json:"phoneNumbers"`
	EventDate       *string  `json:"eventDate"`
	EventLocation   *string  `json:"eventLocation"`
	RegistrationFee *string  `json:"registrationFee"`
	ContactPersons  []string `json:"contactPersons"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"format"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumCtx      int     `json:"num_ctx"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error"`
}

// ExtractFields sends the caption with the fixed output contract and decodes the answer.
// Transport failures and timeouts wrap ErrCapabilityUnavailable; unusable answers wrap
// ErrMalformedResponse. There is no retry.
func (c *Client) ExtractFields(ctx context.Context, caption string) (Fields, error) {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return Fields{}, errEmptyCaption
	}
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: BuildUserPrompt(caption)},
		},
		Format: jsonFormat,
		Stream: false,
		Options: chatOptions{
			Temperature: 0.1,
			TopP:        0.9,
			NumCtx:      4096,
		},
	}
	content, err := c.chat(ctx, payload)
	if err != nil {
		return Fields{}, err
	}
	return DecodeFields(content)
}

func (c *Client) chat(ctx context.Context, payload chatRequest) (string, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, chatPath)
	if err != nil {
		return "", fmt.Errorf("llm request: build url: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("llm request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: http error (timeout=%s): %v", ErrCapabilityUnavailable, c.cfg.Timeout, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body (timeout=%s): %v", ErrCapabilityUnavailable, c.cfg.Timeout, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w: http %d: %s", ErrCapabilityUnavailable, resp.StatusCode, summarizePayloadSnippet(string(body)))
	}
	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrMalformedResponse, err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("%w: api error: %s", ErrCapabilityUnavailable, strings.TrimSpace(decoded.Error))
	}
	content := strings.TrimSpace(decoded.Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return content, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Ping reports whether the capability is reachable and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, tagsPath)
	if err != nil {
		return fmt.Errorf("llm ping: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("llm ping: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: http %d", ErrCapabilityUnavailable, resp.StatusCode)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: decode tags: %v", ErrMalformedResponse, err)
	}
	family := strings.SplitN(c.cfg.Model, ":", 2)[0]
	for _, model := range tags.Models {
		if strings.Contains(model.Name, family) {
			return nil
		}
	}
	return fmt.Errorf("%w: model %s not found", ErrCapabilityUnavailable, c.cfg.Model)
}
