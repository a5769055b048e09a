package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/replywell/chatkit-creds/pkg/session"
)

// Message is one turn of a conversation. The recording API has shipped
// several field names for the same things over time, so alternates are
// kept and resolved by the accessors.
type Message struct {
	Role        string      `json:"role"`
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	MessageText string      `json:"message"`
	Text        string      `json:"text"`
	CreatedAt   string      `json:"createdAt"`
	Timestamp   string      `json:"timestamp"`
	Feedback    interface{} `json:"feedback"`
}

// Speaker returns the role however the API spelled it.
func (m *Message) Speaker() string {
	if m.Role != "" {
		return m.Role
	}
	if m.Sender != "" {
		return m.Sender
	}
	return "unknown"
}

// Body returns the message text however the API spelled it.
func (m *Message) Body() string {
	if m.Content != "" {
		return m.Content
	}
	if m.MessageText != "" {
		return m.MessageText
	}
	return m.Text
}

// Time returns the message timestamp, if the API recorded one.
func (m *Message) Time() string {
	if m.CreatedAt != "" {
		return m.CreatedAt
	}
	return m.Timestamp
}

type Conversation struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	CreatedAt  string    `json:"createdAt"`
	UpdatedAt  string    `json:"updatedAt"`
	Source     string    `json:"source"`
	UserID     string    `json:"userId"`
	Messages   []Message `json:"messages"`
	Transcript []Message `json:"transcript"`
}

// Turns returns the conversation's messages, tolerating either field the
// API returns them under.
func (c *Conversation) Turns() []Message {
	if len(c.Messages) > 0 {
		return c.Messages
	}
	return c.Transcript
}

// ConversationQuery filters a conversation listing. Dates are inclusive,
// formatted YYYY-MM-DD.
type ConversationQuery struct {
	StartDate string
	EndDate   string
	Source    string
}

// ListConversations fetches recorded conversations for the configured
// workflow. The envelope varies: an object keyed by "conversations" or
// "data", a bare array, or a single conversation object.
func (c *Client) ListConversations(ctx context.Context, query ConversationQuery) ([]Conversation, error) {
	if c.cfg.Workflow == "" {
		return nil, session.ErrMissingWorkflow
	}

	params := url.Values{}
	params.Set("workflow", c.cfg.Workflow)
	if query.StartDate != "" {
		params.Set("start_date", query.StartDate)
	}
	if query.EndDate != "" {
		params.Set("end_date", query.EndDate)
	}
	if query.Source != "" {
		params.Set("filtered_sources", query.Source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/chatkit/conversations?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error building conversations request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("OpenAI-Beta", betaHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &session.UpstreamError{Message: fmt.Sprintf("conversations request failed: %s", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("error reading response: %s", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: errorDetail(body, resp.Status)}
	}

	conversations, err := parseConversations(body)
	if err != nil {
		return nil, &session.UpstreamError{Status: resp.StatusCode, Message: err.Error()}
	}

	log.WithField("count", len(conversations)).Infof("fetched conversations")
	return conversations, nil
}

func parseConversations(body []byte) ([]Conversation, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err == nil {
		if raw, ok := probe["conversations"]; ok {
			var list []Conversation
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("error parsing conversations field: %v", err)
			}
			return list, nil
		}
		if raw, ok := probe["data"]; ok {
			var list []Conversation
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("error parsing data field: %v", err)
			}
			return list, nil
		}

		// a single conversation object
		var single Conversation
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("error parsing conversation: %v", err)
		}
		return []Conversation{single}, nil
	}

	var list []Conversation
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("error parsing conversations response: %v", err)
	}
	return list, nil
}
