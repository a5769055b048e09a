package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTTL is the validity window applied to credentials whose
	// expiry the upstream did not state explicitly.
	DefaultTTL = 5 * time.Minute

	// DefaultCooldown is the minimum spacing between upstream
	// session-creation attempts.
	DefaultCooldown = 2 * time.Second
)

var ErrMissingWorkflow = errors.New("workflow id is not configured")

// Credential is a short-lived client secret authorizing one chat session.
type Credential struct {
	Secret    string    `yaml:"secret"`
	ExpiresAt time.Time `yaml:"expiresAt"`
}

// Valid reports whether the credential can still open a session at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Secret != "" && now.Before(c.ExpiresAt)
}

// UpstreamError carries the detail of a failed session-creation call.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream error: %s", e.Message)
	}
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Message)
}

// Creator issues new session credentials against the upstream service.
type Creator interface {
	CreateSession(ctx context.Context) (*Credential, error)
}

// Store is an advisory persisted cache of credentials keyed by panel. A
// miss is not an error and is returned as (nil, nil).
type Store interface {
	Get(key string) (*Credential, error)
	Set(key string, cred *Credential) error
	Delete(key string) error
}

func defaultRetryStrategy(max time.Duration) backoff.BackOff {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = time.Millisecond * 500
	strategy.MaxElapsedTime = max
	return strategy
}
