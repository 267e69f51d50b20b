package scanner

import (
	"sync"
	"time"
)

// ttlSet remembers keys for a fixed time. Expired keys are swept lazily.
type ttlSet struct {
	mu        sync.Mutex
	ttl       time.Duration
	items     map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{ttl: ttl, items: make(map[string]time.Time), now: time.Now}
}

// Add inserts key and reports whether it was absent or expired.
func (s *ttlSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	if exp, ok := s.items[key]; ok && now.Before(exp) {
		return false
	}
	s.items[key] = now.Add(s.ttl)
	return true
}

// Has reports whether key is present and unexpired.
func (s *ttlSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.items[key]
	return ok && s.now().Before(exp)
}

// Len counts keys including not yet swept expired ones.
func (s *ttlSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *ttlSet) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.ttl {
		return
	}
	s.lastSweep = now
	for key, exp := range s.items {
		if !now.Before(exp) {
			delete(s.items, key)
		}
	}
}
