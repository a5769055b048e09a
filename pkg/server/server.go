// Package server exposes the session proxy consumed by the embedded chat
// panels: session creation and reset, and the support-handoff relay.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/replywell/chatkit-creds/pkg/metrics"
	"github.com/replywell/chatkit-creds/pkg/session"
)

const (
	maxBodyBytes    = 1 << 20
	relayMaxElapsed = 10 * time.Second
)

var errWebhookRejected = errors.New("webhook rejected the handoff")

type Server struct {
	cache      *session.Cache
	threads    *session.ThreadCache
	gateway    *metrics.PushGateway
	webhookURL string
	http       *http.Client
}

func New(cache *session.Cache, threads *session.ThreadCache, gateway *metrics.PushGateway, webhookURL string) *Server {
	return &Server{
		cache:      cache,
		threads:    threads,
		gateway:    gateway,
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/session/reset", s.handleReset)
	mux.HandleFunc("POST /v1/handoff", s.handleHandoff)
	mux.HandleFunc("POST /v1/thread", s.handleThread)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.gateway.Handler())
	return logRequests(mux)
}

type sessionRequest struct {
	DeviceID     string `json:"device_id"`
	ClientSecret string `json:"client_secret"`
}

type sessionResponse struct {
	ClientSecret string `json:"client_secret"`
	ExpiresAt    int64  `json:"expires_at"`
}

// handleSession hands the panel a usable credential. A client_secret in
// the request means the widget already holds a live session; it is
// adopted rather than replaced.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cred, err := s.cache.Acquire(r.Context(), req.ClientSecret)
	if err != nil {
		var upstreamErr *session.UpstreamError
		switch {
		case errors.Is(err, session.ErrMissingWorkflow):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &upstreamErr):
			writeError(w, http.StatusBadGateway, upstreamErr.Message)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.gateway.IncSessionsServed()
	writeJSON(w, http.StatusOK, sessionResponse{
		ClientSecret: cred.Secret,
		ExpiresAt:    cred.ExpiresAt.Unix(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.cache.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// handleHandoff relays a transcript payload to the configured webhook for
// human ticket handling. The payload passes through untouched apart from
// a receipt id and any cached thread info.
func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	if s.webhookURL == "" {
		writeError(w, http.StatusServiceUnavailable, "handoff relay is not configured")
		return
	}

	var payload map[string]interface{}
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conversationID, _ := payload["conversation_id"].(string)
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	receipt := uuid.NewString()
	payload["receipt_id"] = receipt
	if info, ok := s.threads.Lookup(conversationID); ok {
		payload["thread_id"] = info.ThreadID
		if info.Title != "" {
			payload["title"] = info.Title
		}
	}

	if err := s.relay(payload); err != nil {
		log.WithField("conversationID", conversationID).Errorf("error relaying handoff: %s", err)
		writeError(w, http.StatusBadGateway, "handoff relay failed")
		return
	}

	s.gateway.IncHandoffsRelayed()
	log.WithFields(log.Fields{"conversationID": conversationID, "receiptID": receipt}).Infof("relayed handoff")
	writeJSON(w, http.StatusAccepted, map[string]string{"receipt_id": receipt})
}

type threadRequest struct {
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id"`
	Title          string `json:"title"`
}

// handleThread records the thread the widget reports for a conversation,
// so a later handoff can carry it.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	var req threadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID == "" || req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and thread_id are required")
		return
	}

	s.threads.Put(req.ConversationID, req.ThreadID, req.Title)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// relay posts the payload to the webhook, retrying transient failures. A
// 4xx means the webhook will never accept this payload, so it is not
// retried.
func (s *Server) relay(payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshalling handoff: %v", err)
	}

	op := func() error {
		resp, err := s.http.Post(s.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%w: %s", errWebhookRejected, resp.Status))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = time.Millisecond * 500
	strategy.MaxElapsedTime = relayMaxElapsed
	return backoff.Retry(op, strategy)
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("error reading request body: %v", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error parsing request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("error writing response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Infof("handled request")
	})
}
