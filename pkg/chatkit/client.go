// Package chatkit talks to the upstream conversational-AI service: it
// creates widget sessions and lists recorded conversations.
package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/replywell/chatkit-creds/pkg/session"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultTimeout = 30 * time.Second

	betaHeader = "chatkit_beta=v1"

	// responses larger than this are cut off; error bodies and session
	// payloads are small
	maxResponseBytes = 1 << 20
)

type Config struct {
	BaseURL  string
	APIKey   string
	Workflow string
	// User identifies the device or visitor the session belongs to.
	User string
	// FileUpload enables attachment upload in created sessions.
	FileUpload bool
	Timeout    time.Duration
}

type Client struct {
	cfg  *Config
	http *http.Client
}

func NewClient(cfg *Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type sessionRequest struct {
	Workflow      workflowRef    `json:"workflow"`
	User          string         `json:"user,omitempty"`
	Configuration *sessionConfig `json:"chatkit_configuration,omitempty"`
}

type workflowRef struct {
	ID string `json:"id"`
}

type sessionConfig struct {
	FileUpload fileUploadConfig `json:"file_upload"`
}

type fileUploadConfig struct {
	Enabled bool `json:"enabled"`
}

type sessionResponse struct {
	ClientSecret string `json:"client_secret"`
	ExpiresAt    int64  `json:"expires_at"`
}

// CreateSession opens a new widget session and returns its credential.
// The expiry is taken from the response when present and left zero
// otherwise; the caller applies its default validity window.
func (c *Client) CreateSession(ctx context.Context) (*session.Credential, error) {
	if c.cfg.Workflow == "" {
		return nil, session.ErrMissingWorkflow
	}

	payload := sessionRequest{
		Workflow: workflowRef{ID: c.cfg.Workflow},
		User:     c.cfg.User,
	}
	if c.cfg.FileUpload {
		payload.Configuration = &sessionConfig{FileUpload: fileUploadConfig{Enabled: true}}
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("error marshalling session request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chatkit/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error building session request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", betaHeader)

	log.WithField("workflow", c.cfg.Workflow).Infof("requesting session")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &session.UpstreamError{Message: fmt.Sprintf("session request failed: %s", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("error reading response: %s", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: errorDetail(respBody, resp.Status)}
	}

	var parsed sessionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("error parsing response: %s", err)}
	}
	if parsed.ClientSecret == "" {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: "response missing client_secret"}
	}

	cred := &session.Credential{Secret: parsed.ClientSecret}
	if parsed.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ExpiresAt, 0)
	}

	return cred, nil
}

// errorDetail digs the human-readable message out of an upstream error
// body. The service answers with a handful of shapes; they are tried in
// order, falling back to the HTTP status text.
func errorDetail(body []byte, fallback string) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}

	if s, ok := payload["error"].(string); ok && s != "" {
		return s
	}
	if m, ok := payload["error"].(map[string]interface{}); ok {
		if s, ok := m["message"].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := payload["details"].(string); ok && s != "" {
		return s
	}
	if m, ok := payload["details"].(map[string]interface{}); ok {
		if s, ok := m["error"].(string); ok && s != "" {
			return s
		}
		if em, ok := m["error"].(map[string]interface{}); ok {
			if s, ok := em["message"].(string); ok && s != "" {
				return s
			}
		}
	}
	if s, ok := payload["message"].(string); ok && s != "" {
		return s
	}

	return fallback
}
