package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/replywell/chatkit-creds/pkg/metrics"
)

// RefreshManager keeps a cache's session warm by renewing it on a fixed
// interval, so consumers never pay the upstream round trip on demand.
type RefreshManager struct {
	cache    *Cache
	interval time.Duration
	gateway  *metrics.PushGateway
}

func NewRefreshManager(cache *Cache, interval time.Duration, gateway *metrics.PushGateway) *RefreshManager {
	return &RefreshManager{cache: cache, interval: interval, gateway: gateway}
}

// Run renews the session every interval until ctx is cancelled. A
// configuration error cannot be recovered by retrying, so it signals c
// and stops.
func (m *RefreshManager) Run(ctx context.Context, c chan int) {
	go func() {
		log.Printf("renewing session every %s", m.interval)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Infof("stopping renewal")
				return
			case <-ticker.C:
				cred, err := m.renew(ctx)
				if err != nil {
					log.Errorf("error renewing session: %s", err)
					m.gateway.SetFailureTime()
					m.gateway.IncFailureCount()
					m.gateway.Push()
					if errors.Is(err, ErrMissingWorkflow) {
						log.Error("session can no longer be renewed")
						c <- 1
						return
					}
					continue
				}
				m.gateway.SetSuccessTime()
				m.gateway.SetExpiration(time.Until(cred.ExpiresAt))
				m.gateway.Push()
			}
		}
	}()
}

func (m *RefreshManager) renew(ctx context.Context) (*Credential, error) {
	var cred *Credential

	op := func() error {
		var err error
		cred, err = m.cache.Renew(ctx)
		if err != nil {
			if errors.Is(err, ErrMissingWorkflow) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(defaultRetryStrategy(m.interval), ctx))
	if err != nil {
		return nil, err
	}

	return cred, nil
}
