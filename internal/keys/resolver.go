package keys

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

type Tier string

const (
	TierUser    Tier = "user"
	TierPrimary Tier = "shared-primary"
	TierBackup  Tier = "shared-backup"
	TierDefault Tier = "default"
)

var ErrNoCredential = errors.New("no credential configured")

// Chain holds the shared credentials configured for one backend, in
// fallback order. Default is a fixed last-resort literal baked in at
// construction time.
type Chain struct {
	Primary string
	Backup  string
	Default string
}

type Resolver struct {
	mu     sync.RWMutex
	chains map[string]Chain
}

func NewResolver(chains map[string]Chain) *Resolver {
	cp := make(map[string]Chain, len(chains))
	for name, c := range chains {
		cp[strings.ToLower(strings.TrimSpace(name))] = c
	}
	return &Resolver{chains: cp}
}

// Resolve picks a credential for backend in priority order: the
// user-supplied key, then the shared primary, then the shared backup,
// then the fixed default. It never returns an empty key; a backend
// with no credential anywhere fails fast with ErrNoCredential so the
// call is not attempted at all.
func (r *Resolver) Resolve(backend, userKey string) (string, Tier, error) {
	if k := strings.TrimSpace(userKey); k != "" {
		return k, TierUser, nil
	}

	r.mu.RLock()
	chain, ok := r.chains[strings.ToLower(strings.TrimSpace(backend))]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("backend %q: %w", backend, ErrNoCredential)
	}

	if k := strings.TrimSpace(chain.Primary); k != "" {
		return k, TierPrimary, nil
	}
	if k := strings.TrimSpace(chain.Backup); k != "" {
		return k, TierBackup, nil
	}
	if k := strings.TrimSpace(chain.Default); k != "" {
		return k, TierDefault, nil
	}
	return "", "", fmt.Errorf("backend %q: %w", backend, ErrNoCredential)
}

// Shared reports whether answers produced under this tier should carry
// a "you are on a shared key" notice.
func (t Tier) Shared() bool {
	return t == TierPrimary || t == TierBackup || t == TierDefault
}

// Mask renders a key for logging, keeping only the edges.
func Mask(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 12 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
