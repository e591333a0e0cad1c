package console

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	failureWindow  = 5 * time.Minute
	failureMaxHits = 10

	// failurePruneThreshold is the number of tracked IPs above which
	// expired entries are pruned to prevent unbounded growth.
	failurePruneThreshold = 1000
)

// failureLimiter counts rejected sign-in attempts per IP over a sliding
// window. Once an IP reaches failureMaxHits it is refused locally until
// old failures age out, so a script cannot use the console to hammer the
// API's login endpoint.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{failures: make(map[string][]time.Time)}
}

// blocked reports whether ip is currently limited.
func (l *failureLimiter) blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-failureWindow)

	if len(l.failures) > failurePruneThreshold {
		for k, times := range l.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(l.failures, ip)
	} else {
		l.failures[ip] = recent
	}

	return len(recent) >= failureMaxHits
}

func (l *failureLimiter) record(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], time.Now())
	l.mu.Unlock()
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
