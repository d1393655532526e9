package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"golang.org/x/time/rate"
)

// CredentialPool hands out provider API keys as leases shared by every job
// in the process. Each key has one token bucket, so concurrent jobs on the
// same key share its request rate.
type CredentialPool struct {
	catalog interfaces.CatalogStorage
	codec   interfaces.SecretCodec
	logger  arbor.ILogger
	rps     rate.Limit
	burst   int
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	active   map[string]int
}

var _ interfaces.CredentialProvider = (*CredentialPool)(nil)

// NewCredentialPool creates a pool over the catalog's API keys
func NewCredentialPool(catalog interfaces.CatalogStorage, codec interfaces.SecretCodec, config common.CredentialsConfig, logger arbor.ILogger) *CredentialPool {
	rps := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond <= 0 {
		rps = rate.Inf
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &CredentialPool{
		catalog:  catalog,
		codec:    codec,
		logger:   logger,
		rps:      rps,
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		active:   make(map[string]int),
	}
}

// Acquire leases a usable key for model: the key with the fewest active
// leases, then the lowest lifetime usage. The key is decrypted for the
// lease holder only.
func (p *CredentialPool) Acquire(ctx context.Context, model *models.Model) (interfaces.Credential, error) {
	if p.codec == nil {
		return nil, common.Validationf("secrets key is not configured, API keys cannot be opened")
	}
	keys, err := p.catalog.ListAPIKeys(ctx, model.ID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	p.mu.Lock()
	var chosen *models.APIKey
	for _, key := range keys {
		if !key.Usable(now) {
			continue
		}
		if chosen == nil ||
			p.active[key.ID] < p.active[chosen.ID] ||
			(p.active[key.ID] == p.active[chosen.ID] && key.UsageCount < chosen.UsageCount) {
			chosen = key
		}
	}
	if chosen == nil {
		p.mu.Unlock()
		return nil, common.NotFoundf("no usable API key for model %s", model.Name)
	}
	p.active[chosen.ID]++
	limiter, ok := p.limiters[chosen.ID]
	if !ok {
		limiter = rate.NewLimiter(p.rps, p.burst)
		p.limiters[chosen.ID] = limiter
	}
	p.mu.Unlock()

	plaintext, err := p.codec.Decrypt(chosen.Ciphertext)
	if err != nil {
		p.release(chosen.ID)
		return nil, fmt.Errorf("failed to open API key %s: %w", chosen.ID, err)
	}

	p.logger.Debug().
		Str("key_id", chosen.ID).
		Str("model", model.Name).
		Msg("Credential leased")

	return &Lease{
		pool:    p,
		keyID:   chosen.ID,
		apiKey:  plaintext,
		limiter: limiter,
	}, nil
}

// Active returns the number of outstanding leases on a key
func (p *CredentialPool) Active(keyID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[keyID]
}

func (p *CredentialPool) release(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[keyID] > 0 {
		p.active[keyID]--
	}
}

// Lease is one holder's claim on a key
type Lease struct {
	pool    *CredentialPool
	keyID   string
	apiKey  string
	limiter *rate.Limiter

	once sync.Once
}

func (l *Lease) KeyID() string  { return l.keyID }
func (l *Lease) APIKey() string { return l.apiKey }

// Wait blocks until the key's rate limit admits one more request
func (l *Lease) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Release returns the key to the pool and persists usage. Safe to call more than once.
func (l *Lease) Release(ctx context.Context, usage interfaces.CredentialUsage) error {
	var err error
	l.once.Do(func() {
		l.pool.release(l.keyID)
		if usage.Requests == 0 && usage.Tokens == 0 {
			return
		}
		err = l.pool.catalog.RecordKeyUsage(ctx, l.keyID, usage.Requests, usage.Tokens, l.pool.now())
		if err != nil {
			l.pool.logger.Warn().Err(err).Str("key_id", l.keyID).Msg("Failed to record key usage")
		}
	})
	return err
}
