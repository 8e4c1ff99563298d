package governor

import (
	"sort"
	"time"
)

// Per-provider rejection reasons.
const (
	ReasonProviderHeld        = "provider_held"
	ReasonProviderRateLimited = "provider_rate_limited"
)

// Hold describes a manual or cap-driven provider hold.
type Hold struct {
	ProviderID string    `json:"provider_id"`
	Reason     string    `json:"reason"`
	HeldSince  time.Time `json:"held_since"`
}

type providerState struct {
	held      bool
	reason    string
	heldSince time.Time
	recent    []time.Time
}

// ProviderLimiter enforces at most one admission per second per
// provider and tracks holds. State is created lazily per provider id.
type ProviderLimiter struct {
	providers map[string]*providerState
}

// NewProviderLimiter creates an empty limiter.
func NewProviderLimiter() *ProviderLimiter {
	return &ProviderLimiter{providers: make(map[string]*providerState)}
}

func (l *ProviderLimiter) state(providerID string) *providerState {
	s, exists := l.providers[providerID]
	if !exists {
		s = &providerState{}
		l.providers[providerID] = s
	}
	return s
}

// Allow admits one request for a provider unless it is held or already
// admitted a request within the trailing second. Records the timestamp
// on admit.
func (l *ProviderLimiter) Allow(providerID string, now time.Time) (bool, string) {
	s := l.state(providerID)

	if s.held {
		return false, ReasonProviderHeld
	}

	cutoff := now.Add(-time.Second)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = kept

	if len(s.recent) > 0 {
		return false, ReasonProviderRateLimited
	}

	s.recent = append(s.recent, now)
	return true, ""
}

// Hold places a hold on a provider. Reports false if already held; the
// original reason and timestamp stay in place.
func (l *ProviderLimiter) Hold(providerID, reason string, now time.Time) bool {
	s := l.state(providerID)
	if s.held {
		return false
	}
	s.held = true
	s.reason = reason
	s.heldSince = now
	return true
}

// Release clears a hold. Reports false if the provider was not held.
func (l *ProviderLimiter) Release(providerID string) bool {
	s, exists := l.providers[providerID]
	if !exists || !s.held {
		return false
	}
	s.held = false
	s.reason = ""
	s.heldSince = time.Time{}
	return true
}

// IsHeld reports whether a provider is held.
func (l *ProviderLimiter) IsHeld(providerID string) bool {
	s, exists := l.providers[providerID]
	return exists && s.held
}

// Held returns every held provider sorted by id.
func (l *ProviderLimiter) Held() []Hold {
	var holds []Hold
	for id, s := range l.providers {
		if s.held {
			holds = append(holds, Hold{ProviderID: id, Reason: s.reason, HeldSince: s.heldSince})
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].ProviderID < holds[j].ProviderID })
	return holds
}
