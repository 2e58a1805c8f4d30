// Package remotesync pushes captured posts and session outcomes to the remote collaborator.
package remotesync

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

	"github.com/arachnova/eventscout/internal/capture"
)

const (
	defaultTimeout = 15 * time.Second
	postsPath      = "scraper/posts"
	sessionsPath   = "scraper/sessions"

	// StatusCompleted marks a session that ran to the end of its source.
	StatusCompleted = "COMPLETED"
	// StatusFailed marks a session that was cancelled or failed.
	StatusFailed = "FAILED"
)

// ErrSyncFailed reports a rejected or unreachable sync call.
var ErrSyncFailed = errors.New("remotesync: request failed")

// Completion summarizes a finished session.
type Completion struct {
	Status          string `json:"status"`
	TotalPosts      int    `json:"totalPosts"`
	SuccessfulPosts int    `json:"successfulPosts"`
	PostsWithPhone  int    `json:"postsWithPhone"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// Syncer is implemented by Client and Noop.
type Syncer interface {
	UploadPost(ctx context.Context, sessionID string, record capture.Record) error
	CompleteSession(ctx context.Context, sessionID string, completion Completion) error
}

// Config captures the remote endpoint settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the remote collaborator over HTTP with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a Client, or Noop when no base URL is configured.
func New(cfg Config) Syncer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Noop{}
	}
	return NewClient(cfg, nil)
}

// NewClient constructs a Client. A nil httpClient gets one with the configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
	}
}

type postPayload struct {
	SessionID       string   `json:"sessionId"`
	PostIndex       int      `json:"postIndex"`
	PostURL         string   `json:"postUrl"`
	PostDate        *string  `json:"postDate"`
	EventTitle      *string  `json:"eventTitle"`
	EventOrganizer  *string  `json:"eventOrganizer"`
	PhoneNumber1    *string  `json:"phoneNumber1"`
	PhoneNumber2    *string  `json:"phoneNumber2"`
	PhoneNumber3    *string  `json:"phoneNumber3"`
	PhoneNumber4    *string  `json:"phoneNumber4"`
	AllPhones       []string `json:"allPhones"`
	ImageURL        *string  `json:"imageUrl"`
	Caption         string   `json:"caption"`
	EventDate       *string  `json:"eventDate"`
	EventLocation   *string  `json:"eventLocation"`
	RegistrationFee *string  `json:"registrationFee"`
	ContactPersons  []string `json:"contactPersons"`
	ExtractedBy     string   `json:"extractedBy"`
}

// UploadPost sends one captured post with its extracted fields.
func (c *Client) UploadPost(ctx context.Context, sessionID string, record capture.Record) error {
	slots := record.PhoneSlots()
	payload := postPayload{
		SessionID:       sessionID,
		PostIndex:       record.Capture.PostIndex,
		PostURL:         record.Capture.PostURL,
		PostDate:        capture.Optional(record.Capture.RawDate),
		EventTitle:      record.Fields.EventTitle,
		EventOrganizer:  record.Fields.Organizer,
		PhoneNumber1:    capture.Optional(slots[0]),
		PhoneNumber2:    capture.Optional(slots[1]),
		PhoneNumber3:    capture.Optional(slots[2]),
		PhoneNumber4:    capture.Optional(slots[3]),
		AllPhones:       nonNil(record.Fields.PhoneNumbers),
		ImageURL:        capture.Optional(record.Capture.ImageURL),
		Caption:         record.Capture.RawCaption,
		EventDate:       record.Fields.EventDate,
		EventLocation:   record.Fields.Location,
		RegistrationFee: record.Fields.Fee,
		ContactPersons:  nonNil(record.Fields.ContactPersons),
		ExtractedBy:     string(record.Fields.Source),
	}
	return c.send(ctx, http.MethodPost, postsPath, payload)
}

// CompleteSession reports the session outcome.
func (c *Client) CompleteSession(ctx context.Context, sessionID string, completion Completion) error {
	return c.send(ctx, http.MethodPatch, sessionsPath+"/"+url.PathEscape(sessionID), completion)
}

func (c *Client) send(ctx context.Context, method, path string, payload any) error {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("remotesync: build url: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("remotesync: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remotesync: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrSyncFailed, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s %s: http %d: %s", ErrSyncFailed, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Noop discards every call. It is used when no remote endpoint is configured.
type Noop struct{}

// UploadPost does nothing.
func (Noop) UploadPost(context.Context, string, capture.Record) error { return nil }

// CompleteSession does nothing.
func (Noop) CompleteSession(context.Context, string, Completion) error { return nil }
