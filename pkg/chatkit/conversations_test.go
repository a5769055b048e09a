package chatkit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListConversations(t *testing.T) {
	var gotQuery map[string]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"workflow":         r.URL.Query().Get("workflow"),
			"start_date":       r.URL.Query().Get("start_date"),
			"end_date":         r.URL.Query().Get("end_date"),
			"filtered_sources": r.URL.Query().Get("filtered_sources"),
		}
		w.Write([]byte(`{"conversations": [{"id": "conv-1", "sessionId": "sess-1"}]}`))
	}))
	defer upstream.Close()

	client := NewClient(&Config{BaseURL: upstream.URL, APIKey: "sk-test", Workflow: "wf_support"})

	conversations, err := client.ListConversations(context.Background(), ConversationQuery{
		StartDate: "2025-11-04",
		EndDate:   "2025-11-05",
		Source:    "Widget or Iframe",
	})
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, "conv-1", conversations[0].ID)

	assert.Equal(t, "wf_support", gotQuery["workflow"])
	assert.Equal(t, "2025-11-04", gotQuery["start_date"])
	assert.Equal(t, "2025-11-05", gotQuery["end_date"])
	assert.Equal(t, "Widget or Iframe", gotQuery["filtered_sources"])
}

func TestParseConversationsEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		ids  []string
	}{
		{"conversations key", `{"conversations": [{"id": "a"}, {"id": "b"}]}`, []string{"a", "b"}},
		{"data key", `{"data": [{"id": "a"}]}`, []string{"a"}},
		{"bare array", `[{"id": "a"}]`, []string{"a"}},
		{"single object", `{"id": "a"}`, []string{"a"}},
		{"empty result", `{"conversations": []}`, []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conversations, err := parseConversations([]byte(tc.body))
			require.NoError(t, err)
			ids := make([]string, 0, len(conversations))
			for _, c := range conversations {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tc.ids, ids)
		})
	}
}

func TestParseConversationsRejectsGarbage(t *testing.T) {
	_, err := parseConversations([]byte(`"just a string"`))
	assert.Error(t, err)
}

func TestMessageFieldFallbacks(t *testing.T) {
	m := Message{Sender: "bot", MessageText: "hello", Timestamp: "2025-11-04T10:00:00Z"}
	assert.Equal(t, "bot", m.Speaker())
	assert.Equal(t, "hello", m.Body())
	assert.Equal(t, "2025-11-04T10:00:00Z", m.Time())

	m = Message{Role: "user", Content: "hi", CreatedAt: "2025-11-04T09:59:00Z"}
	assert.Equal(t, "user", m.Speaker())
	assert.Equal(t, "hi", m.Body())
	assert.Equal(t, "2025-11-04T09:59:00Z", m.Time())

	empty := Message{}
	assert.Equal(t, "unknown", empty.Speaker())
}

func TestConversationTurns(t *testing.T) {
	c := Conversation{Transcript: []Message{{Role: "user", Content: "hi"}}}
	assert.Len(t, c.Turns(), 1)

	c = Conversation{
		Messages:   []Message{{Role: "user"}, {Role: "assistant"}},
		Transcript: []Message{{Role: "user"}},
	}
	assert.Len(t, c.Turns(), 2, "messages wins over transcript when both are present")
}
