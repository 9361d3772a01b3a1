package delivery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter keeps one token bucket per user.
type UserRateLimiter struct {
	rps      int
	mu       sync.Mutex
	limiters map[string]*userLimiter
	calls    int
}

func NewUserRateLimiter(rps int) *UserRateLimiter {
	if rps <= 0 {
		rps = 20
	}
	return &UserRateLimiter{
		rps:      rps,
		limiters: make(map[string]*userLimiter),
	}
}

func (l *UserRateLimiter) Allow(userID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%1000 == 0 {
		l.sweepLocked(now)
	}

	ul, ok := l.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.rps)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter.AllowN(now, 1)
}

func (l *UserRateLimiter) sweepLocked(now time.Time) {
	for id, ul := range l.limiters {
		if now.Sub(ul.lastSeen) > limiterIdle {
			delete(l.limiters, id)
		}
	}
}
