package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateClass names a per-user limit applied to REST endpoints.
type rateClass int

const (
	// strict guards key generation: a handful per minute.
	strict rateClass = iota
	// moderate guards bundle fetches and session establishment.
	moderate
)

func (c rateClass) limiter() *rate.Limiter {
	switch c {
	case strict:
		return rate.NewLimiter(rate.Every(12*time.Second), 5)
	default:
		return rate.NewLimiter(rate.Every(time.Second), 30)
	}
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// userLimits keeps one limiter per user and class.
type userLimits struct {
	mu      sync.Mutex
	entries map[rateClass]map[string]*limiterEntry
}

func newUserLimits() *userLimits {
	return &userLimits{entries: make(map[rateClass]map[string]*limiterEntry)}
}

func (u *userLimits) allow(class rateClass, userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	byUser := u.entries[class]
	if byUser == nil {
		byUser = make(map[string]*limiterEntry)
		u.entries[class] = byUser
	}
	e, ok := byUser[userID]
	if !ok {
		e = &limiterEntry{lim: class.limiter()}
		byUser[userID] = e
	}
	e.seen = time.Now()
	return e.lim.Allow()
}

// prune forgets limiters idle for longer than maxIdle.
func (u *userLimits) prune(maxIdle time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for _, byUser := range u.entries {
		for id, e := range byUser {
			if e.seen.Before(cutoff) {
				delete(byUser, id)
			}
		}
	}
}
