// Package ratelimit implements the bridge's two independent per-IP admission
// controls (C2): a concurrent-connection counter and a 60-second sliding
// window of attempt timestamps. Neither is a token bucket — both are exact
// counts, checked in order (attempts window first, then connection count) so
// a client already holding a slot never gets charged twice for the same
// upgrade.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/acp-bridge/internal/clock"
)

// Error distinguishes which control rejected the attempt.
type Error struct {
	Reason  string // "too_many_attempts" or "too_many_connections"
	Current int
	Max     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d/%d", e.Reason, e.Current, e.Max)
}

// Limiter tracks per-IP attempt history and live connection counts.
type Limiter struct {
	maxConnectionsPerIP  int
	maxAttemptsPerMinute int
	clock                clock.Clock

	mu          sync.Mutex
	connections map[string]int
	attempts    map[string][]time.Time
}

// New creates a Limiter. clk may be nil to use the system clock.
func New(maxConnectionsPerIP, maxAttemptsPerMinute int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		maxConnectionsPerIP:  maxConnectionsPerIP,
		maxAttemptsPerMinute: maxAttemptsPerMinute,
		clock:                clk,
		connections:          make(map[string]int),
		attempts:             make(map[string][]time.Time),
	}
}

// CheckConnection records this attempt and reports whether a new connection
// from ip is allowed right now. The attempt always counts against the
// sliding window, even when the call ultimately returns an error.
func (l *Limiter) CheckConnection(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	minuteAgo := now.Add(-60 * time.Second)

	recent := l.attempts[ip][:0]
	for _, t := range l.attempts[ip] {
		if t.After(minuteAgo) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.maxAttemptsPerMinute {
		l.attempts[ip] = recent
		return &Error{Reason: "too_many_attempts", Current: len(recent), Max: l.maxAttemptsPerMinute}
	}
	recent = append(recent, now)
	l.attempts[ip] = recent

	if count := l.connections[ip]; count >= l.maxConnectionsPerIP {
		return &Error{Reason: "too_many_connections", Current: count, Max: l.maxConnectionsPerIP}
	}
	return nil
}

// AddConnection registers a new active connection from ip. Call only after a
// successful CheckConnection.
func (l *Limiter) AddConnection(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connections[ip]++
}

// RemoveConnection releases a connection slot for ip, pruning the entry once
// the count reaches zero.
func (l *Limiter) RemoveConnection(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, ok := l.connections[ip]
	if !ok {
		return
	}
	count--
	if count <= 0 {
		delete(l.connections, ip)
		return
	}
	l.connections[ip] = count
}

// ConnectionCount returns the current tracked connection count for ip (for
// tests/metrics).
func (l *Limiter) ConnectionCount(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[ip]
}

// EvictStaleAttempts drops attempt-window entries older than 60s for every
// tracked IP, preventing unbounded growth from one-shot clients. Run on a
// ticker alongside the session reaper.
func (l *Limiter) EvictStaleAttempts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	minuteAgo := now.Add(-60 * time.Second)
	for ip, times := range l.attempts {
		kept := times[:0]
		for _, t := range times {
			if t.After(minuteAgo) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.attempts, ip)
		} else {
			l.attempts[ip] = kept
		}
	}
}

// RespondTooManyRequests writes the HTTP response for a rejected upgrade
// attempt: 429 with a Retry-After hint, mirroring how the admission layer
// responds to an exhausted rate limit.
func RespondTooManyRequests(w http.ResponseWriter, err *Error) {
	w.Header().Set("Retry-After", "60")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":%q}`, err.Error())
}

// ClientIP extracts the remote IP from an *http.Request, preferring
// RemoteAddr (the bridge sits directly on its own listener, not behind a
// reverse proxy, so X-Forwarded-For is deliberately not trusted here).
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
