package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replywell/chatkit-creds/pkg/metrics"
	"github.com/replywell/chatkit-creds/pkg/session"
)

type fakeCreator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCreator) CreateSession(ctx context.Context) (*session.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &session.Credential{Secret: "ek_test", ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

func (f *fakeCreator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(creator session.Creator, webhookURL string) (*httptest.Server, *session.ThreadCache) {
	cache := session.NewCache(creator, nil, "panel", time.Minute, 10*time.Millisecond)
	threads := session.NewThreadCache(time.Minute)
	srv := New(cache, threads, metrics.NewPushGateway(""), webhookURL)
	return httptest.NewServer(srv.Routes()), threads
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestSessionEndpoint(t *testing.T) {
	creator := &fakeCreator{}
	ts, _ := newTestServer(creator, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/session", map[string]string{"device_id": "dev-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		ClientSecret string `json:"client_secret"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "ek_test", parsed.ClientSecret)
	assert.Greater(t, parsed.ExpiresAt, time.Now().Unix())
	assert.Equal(t, 1, creator.callCount())
}

func TestSessionEndpointAdoptsSuppliedSecret(t *testing.T) {
	creator := &fakeCreator{}
	ts, _ := newTestServer(creator, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/session", map[string]string{"client_secret": "ek_live"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "ek_live", parsed.ClientSecret)
	assert.Equal(t, 0, creator.callCount(), "a supplied secret must not reach upstream")
}

func TestSessionEndpointUpstreamError(t *testing.T) {
	creator := &fakeCreator{err: &session.UpstreamError{Status: 500, Message: "workflow not found"}}
	ts, _ := newTestServer(creator, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/session", map[string]string{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "workflow not found", parsed["error"])
}

func TestSessionEndpointConfigurationError(t *testing.T) {
	creator := &fakeCreator{err: session.ErrMissingWorkflow}
	ts, _ := newTestServer(creator, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/session", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetEndpoint(t *testing.T) {
	creator := &fakeCreator{}
	ts, _ := newTestServer(creator, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/session", map[string]string{})
	resp.Body.Close()
	require.Equal(t, 1, creator.callCount())

	resp = postJSON(t, ts.URL+"/v1/session/reset", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/session", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, 2, creator.callCount(), "a session after reset must be fresh")
}

func TestHandoffRelay(t *testing.T) {
	var relayed map[string]interface{}
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&relayed)
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	ts, threads := newTestServer(&fakeCreator{}, webhook.URL)
	defer ts.Close()

	threads.Put("conv-1", "thread-9", "Refunds")

	resp := postJSON(t, ts.URL+"/v1/handoff", map[string]interface{}{
		"conversation_id": "conv-1",
		"transcript":      "[USER] my invoice is wrong",
		"email":           "visitor@example.com",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.NotEmpty(t, parsed["receipt_id"])

	require.NotNil(t, relayed)
	assert.Equal(t, "conv-1", relayed["conversation_id"])
	assert.Equal(t, "[USER] my invoice is wrong", relayed["transcript"])
	assert.Equal(t, "visitor@example.com", relayed["email"])
	assert.Equal(t, parsed["receipt_id"], relayed["receipt_id"])
	assert.Equal(t, "thread-9", relayed["thread_id"])
	assert.Equal(t, "Refunds", relayed["title"])
}

func TestHandoffRequiresConversationID(t *testing.T) {
	ts, _ := newTestServer(&fakeCreator{}, "http://webhook.invalid")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/handoff", map[string]string{"transcript": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandoffUnconfigured(t *testing.T) {
	ts, _ := newTestServer(&fakeCreator{}, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/handoff", map[string]string{"conversation_id": "conv-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandoffWebhookRejection(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer webhook.Close()

	ts, _ := newTestServer(&fakeCreator{}, webhook.URL)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/handoff", map[string]string{"conversation_id": "conv-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestThreadEndpoint(t *testing.T) {
	ts, threads := newTestServer(&fakeCreator{}, "")
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/thread", map[string]string{
		"conversation_id": "conv-1",
		"thread_id":       "thread-9",
		"title":           "Refunds",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	info, ok := threads.Lookup("conv-1")
	require.True(t, ok)
	assert.Equal(t, "thread-9", info.ThreadID)
	assert.Equal(t, "Refunds", info.Title)

	resp = postJSON(t, ts.URL+"/v1/thread", map[string]string{"conversation_id": "conv-1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(&fakeCreator{}, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
