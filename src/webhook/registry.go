package webhook

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/fanout/src/auth"
)

// RetryPolicy controls how many times a notification publish is attempted.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// DefaultRetryPolicy publishes once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Registration is the signing configuration of one provider and tenant.
type Registration struct {
	Provider    Provider    `json:"provider"`
	TenantID    string      `json:"tenant_id"`
	Secret      string      `json:"-"`
	Algorithm   string      `json:"algorithm"`
	Enabled     bool        `json:"enabled"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	CreatedAt   time.Time   `json:"created_at"`
}

type registrationKey struct {
	provider Provider
	tenantID string
}

// Registry holds registrations in memory.
type Registry struct {
	mu   sync.RWMutex
	regs map[registrationKey]Registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[registrationKey]Registration)}
}

// Register stores reg, replacing any registration for the same provider and tenant.
func (r *Registry) Register(reg Registration) (Registration, error) {
	reg.TenantID = strings.TrimSpace(reg.TenantID)
	if reg.Provider < 0 || reg.Provider >= providerCount {
		return Registration{}, fmt.Errorf("%w: %d", ErrUnsupportedProvider, int(reg.Provider))
	}
	if reg.TenantID == "" {
		return Registration{}, errors.New("register webhook: tenant id is required")
	}
	if reg.Secret == "" {
		return Registration{}, errors.New("register webhook: secret is required")
	}
	if reg.Algorithm == "" {
		reg.Algorithm = auth.DefaultSignatureAlgorithm
	}
	if !auth.SupportedSignatureAlgorithm(reg.Algorithm) {
		return Registration{}, fmt.Errorf("register webhook: unsupported algorithm %q", reg.Algorithm)
	}
	if reg.RetryPolicy.MaxAttempts < 1 {
		reg.RetryPolicy.MaxAttempts = 1
	}
	if reg.RetryPolicy.Backoff < 0 {
		reg.RetryPolicy.Backoff = 0
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.regs[registrationKey{reg.Provider, reg.TenantID}] = reg
	r.mu.Unlock()
	return reg, nil
}

// Unregister removes a registration and reports whether one existed.
func (r *Registry) Unregister(p Provider, tenantID string) bool {
	key := registrationKey{p, tenantID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[key]; !ok {
		return false
	}
	delete(r.regs, key)
	return true
}

func (r *Registry) Get(p Provider, tenantID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[registrationKey{p, tenantID}]
	return reg, ok
}

// List returns every registration ordered by provider then tenant.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Registration) int {
		if a.Provider != b.Provider {
			return int(a.Provider) - int(b.Provider)
		}
		return strings.Compare(a.TenantID, b.TenantID)
	})
	return out
}
