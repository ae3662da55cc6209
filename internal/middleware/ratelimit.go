package middleware

import (
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default budget of failed admin token
	// attempts per client.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedClients bounds how many failing clients are remembered.
	// The least recently failing client is forgotten first.
	DefaultMaxTrackedClients = 10000
)

// FailureLimiter throttles clients that keep presenting bad admin tokens to
// the payload upload routes. Each client gets a token bucket of maxPerMinute
// failures refilling over a minute. A client whose bucket is empty is refused
// before its token is compared, which caps the bcrypt work one client can
// cause.
type FailureLimiter struct {
	clients      *lru.Cache[string, *rate.Limiter]
	maxPerMinute int
}

// NewFailureLimiter creates a limiter allowing maxPerMinute failed attempts
// per client. Pass 0 to use DefaultMaxAttemptsPerMinute.
func NewFailureLimiter(maxPerMinute int) *FailureLimiter {
	return newFailureLimiter(maxPerMinute, DefaultMaxTrackedClients)
}

func newFailureLimiter(maxPerMinute, maxClients int) *FailureLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	clients, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		panic(err)
	}
	return &FailureLimiter{clients: clients, maxPerMinute: maxPerMinute}
}

// Blocked reports whether client has spent its failure budget. Clients with no
// recorded failures are never blocked.
func (l *FailureLimiter) Blocked(client string) bool {
	budget, ok := l.clients.Peek(client)
	return ok && budget.Tokens() < 1
}

// RecordFailure charges client for a failed attempt and reports whether the
// attempt was still within its budget.
func (l *FailureLimiter) RecordFailure(client string) bool {
	return l.budget(client).Allow()
}

// Tracked returns the number of clients with a failure budget in use.
func (l *FailureLimiter) Tracked() int {
	return l.clients.Len()
}

func (l *FailureLimiter) budget(client string) *rate.Limiter {
	if budget, ok := l.clients.Get(client); ok {
		return budget
	}
	fresh := rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.maxPerMinute)), l.maxPerMinute)
	if existing, ok, _ := l.clients.PeekOrAdd(client, fresh); ok {
		return existing
	}
	return fresh
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
