package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// RotationStrategy selects how the pool picks the next identity.
type RotationStrategy string

const (
	StrategyRoundRobin     RotationStrategy = "round-robin"
	StrategyRandom         RotationStrategy = "random"
	StrategyLeastUsed      RotationStrategy = "least-used"
	StrategyPlatformSticky RotationStrategy = "platform-sticky"
)

// PoolStats is a read-only snapshot of the pool's rotation state.
type PoolStats struct {
	TotalProfiles int
	BlockedCount  int
	UsageStats    map[string]int
	LastRotation  time.Time
}

// IdentityPool owns the fingerprint catalog and its rotation/blocking policy.
// The catalog itself is immutable; only the rotation state (cursor, usage
// counts, blocked set) changes, and all of it is guarded by one mutex so the
// pool can be shared across concurrent requests.
type IdentityPool struct {
	catalog   []*FingerprintProfile
	preferred Platform // optional platform filter, "" for none

	mu           sync.Mutex
	cursor       int
	usage        map[string]int
	blocked      map[string]struct{}
	lastRotation time.Time
}

// NewIdentityPool builds a pool over the given catalog. An empty catalog or a
// duplicate profile id is a configuration error, caught at startup.
func NewIdentityPool(catalog []*FingerprintProfile, preferred Platform) (*IdentityPool, error) {
	if len(catalog) == 0 {
		return nil, fmt.Errorf("identity pool: empty fingerprint catalog")
	}
	usage := make(map[string]int, len(catalog))
	for _, p := range catalog {
		if _, dup := usage[p.ID]; dup {
			return nil, fmt.Errorf("identity pool: duplicate profile id %q", p.ID)
		}
		usage[p.ID] = 0
	}
	return &IdentityPool{
		catalog:   catalog,
		preferred: preferred,
		usage:     usage,
		blocked:   make(map[string]struct{}),
	}, nil
}

// available returns the catalog minus blocked profiles, narrowed to the
// preferred platform when that still leaves at least one candidate. If every
// candidate is blocked the blocked set is cleared first: the pool never
// reports zero available identities. Callers must hold p.mu.
func (p *IdentityPool) available() []*FingerprintProfile {
	open := p.openProfiles()
	if len(open) == 0 {
		// Fully blocked: reset and retry once with a clean slate.
		p.blocked = make(map[string]struct{})
		open = p.openProfiles()
	}
	if len(open) == 0 {
		// Cannot happen with a non-empty catalog, but never return nil.
		return []*FingerprintProfile{fallbackProfile(p.catalog)}
	}
	return open
}

func (p *IdentityPool) openProfiles() []*FingerprintProfile {
	var open []*FingerprintProfile
	for _, prof := range p.catalog {
		if _, isBlocked := p.blocked[prof.ID]; !isBlocked {
			open = append(open, prof)
		}
	}
	if p.preferred == "" {
		return open
	}
	var filtered []*FingerprintProfile
	for _, prof := range open {
		if prof.Platform == p.preferred {
			filtered = append(filtered, prof)
		}
	}
	if len(filtered) > 0 {
		return filtered
	}
	return open
}

// Current returns the active profile without advancing rotation.
func (p *IdentityPool) Current() *FingerprintProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.available()
	return avail[p.cursor%len(avail)]
}

// Next advances according to the strategy, records usage for the chosen
// profile, and timestamps the rotation.
func (p *IdentityPool) Next(strategy RotationStrategy) *FingerprintProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	avail := p.available()
	var chosen *FingerprintProfile

	switch strategy {
	case StrategyRandom:
		chosen = avail[rand.Intn(len(avail))]
	case StrategyLeastUsed:
		chosen = avail[0]
		for _, prof := range avail[1:] {
			if p.usage[prof.ID] < p.usage[chosen.ID] {
				chosen = prof
			}
		}
	case StrategyPlatformSticky:
		current := avail[p.cursor%len(avail)]
		chosen = p.nextOnPlatform(avail, current.Platform)
		if chosen == nil {
			p.cursor++
			chosen = avail[p.cursor%len(avail)]
		}
	default: // round-robin
		p.cursor++
		chosen = avail[p.cursor%len(avail)]
	}

	p.usage[chosen.ID]++
	p.lastRotation = time.Now()
	return chosen
}

// nextOnPlatform advances the cursor to the next available profile sharing
// the given platform, or returns nil when none does.
func (p *IdentityPool) nextOnPlatform(avail []*FingerprintProfile, platform Platform) *FingerprintProfile {
	for step := 1; step <= len(avail); step++ {
		candidate := avail[(p.cursor+step)%len(avail)]
		if candidate.Platform == platform {
			p.cursor += step
			return candidate
		}
	}
	return nil
}

// Block marks a profile as blocked (anti-bot signature matched while it was
// active). Unknown ids are ignored.
func (p *IdentityPool) Block(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, known := p.usage[id]; known {
		p.blocked[id] = struct{}{}
	}
}

// Unblock removes a profile from the blocked set.
func (p *IdentityPool) Unblock(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocked, id)
}

// ResetBlocked clears the blocked set entirely.
func (p *IdentityPool) ResetBlocked() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = make(map[string]struct{})
}

// Stats returns a snapshot of rotation state for logging/inspection.
func (p *IdentityPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	usage := make(map[string]int, len(p.usage))
	for id, n := range p.usage {
		usage[id] = n
	}
	return PoolStats{
		TotalProfiles: len(p.catalog),
		BlockedCount:  len(p.blocked),
		UsageStats:    usage,
		LastRotation:  p.lastRotation,
	}
}
