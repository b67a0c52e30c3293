package realtime

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PrincipalLimiter meters inbound realtime events per user. All sessions of a
// user draw from one token bucket, so opening more tabs does not raise the budget.
// A bucket lives while at least one session of its user is attached.
type PrincipalLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	buckets map[string]*userBucket
}

type userBucket struct {
	lim      *rate.Limiter
	sessions int
}

// NewPrincipalLimiter allows events per window for each user, with bursts up to events.
func NewPrincipalLimiter(events int, window time.Duration) *PrincipalLimiter {
	def := DefaultGatewayConfig()
	if events <= 0 {
		events = def.RateEvents
	}
	if window <= 0 {
		window = def.RateWindow
	}
	return &PrincipalLimiter{
		every:   rate.Every(window / time.Duration(events)),
		burst:   events,
		buckets: make(map[string]*userBucket),
	}
}

// Attach registers a session of userID and returns the user's shared limiter.
// The caller must call release exactly once when the session ends.
func (l *PrincipalLimiter) Attach(userID string) (lim *rate.Limiter, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[userID] = b
	}
	b.sessions++

	var once sync.Once
	return b.lim, func() {
		once.Do(func() { l.detach(userID, b) })
	}
}

func (l *PrincipalLimiter) detach(userID string, b *userBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b.sessions--
	if b.sessions <= 0 && l.buckets[userID] == b {
		delete(l.buckets, userID)
	}
}

func (l *PrincipalLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
