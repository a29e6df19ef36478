// Package circuitbreaker guards the Slice Fetcher against hammering a
// remote host that has started failing. It is keyed per host rather than
// shared globally, since a single process may eventually replay from more
// than one data-feed host, and a dead host should not stall fetches headed
// elsewhere.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Classify reports whether err should count against a host's breaker.
// Terminal request errors (bad input, auth, not-found) must return false:
// they say something about the request, not the host's health.
type Classify func(error) bool

// Config tunes a Breaker's thresholds. DefaultConfig fits a remote
// data-feed host; tests use tighter values to avoid waiting out a real
// cooldown window.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	Cooldown         time.Duration // time spent open before probing again
	ProbeBudget      int           // half-open requests allowed before the next verdict
}

// DefaultConfig returns sensible defaults for a remote slice-fetch host.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		ProbeBudget:      2,
	}
}

// Breaker guards one remote host. Every state transition runs through
// Report, which applies the registry's Classify func itself, so callers
// never need their own "was this a host failure" branch at the call site.
type Breaker struct {
	host     string
	classify Classify
	cfg      Config

	mu         sync.Mutex
	st         state
	failures   int
	probesLeft int
	probesOK   int
	openedAt   time.Time
}

func newBreaker(host string, classify Classify, cfg Config) *Breaker {
	return &Breaker{host: host, classify: classify, cfg: cfg}
}

// Allow reports whether a request to this host may proceed now. A
// half-open breaker hands out a bounded number of probes (Config.ProbeBudget)
// rather than letting every prefetch worker pile onto the probe at once.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		return true
	case open:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.st = halfOpen
		b.probesLeft = b.cfg.ProbeBudget
		b.probesOK = 0
		slog.Info("circuit breaker probing", slog.String("host", b.host))
		fallthrough
	case halfOpen:
		if b.probesLeft <= 0 {
			return false
		}
		b.probesLeft--
		return true
	default:
		return false
	}
}

// Report classifies the outcome of a request this breaker allowed and
// updates its state. Pass the error returned by the request, or nil for
// success; Report itself decides via Classify whether a non-nil err counts
// against the host.
func (b *Breaker) Report(err error) {
	if err != nil && b.classify(err) {
		b.recordFailure()
		return
	}
	b.recordSuccess()
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		b.failures = 0
	case halfOpen:
		b.probesOK++
		if b.probesOK >= b.cfg.SuccessThreshold {
			b.st = closed
			b.failures = 0
			slog.Info("circuit breaker closed", slog.String("host", b.host))
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.st = open
			b.openedAt = time.Now()
			slog.Warn("circuit breaker open", slog.String("host", b.host), slog.Int("failures", b.failures))
		}
	case halfOpen:
		b.st = open
		b.openedAt = time.Now()
		slog.Warn("circuit breaker reopened", slog.String("host", b.host))
	}
}

// State reports the current state, for monitoring.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}

// Registry hands out one Breaker per remote host, creating it lazily on
// first use. A Fetcher holds one Registry for its whole lifetime; callers
// never construct a Breaker directly.
type Registry struct {
	classify Classify
	cfg      Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry that classifies failures with classify and
// configures every breaker it creates with cfg.
func NewRegistry(classify Classify, cfg Config) *Registry {
	return &Registry{classify: classify, cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for host, creating it on first request.
func (r *Registry) For(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[host]
	if !ok {
		b = newBreaker(host, r.classify, r.cfg)
		r.breakers[host] = b
	}
	return b
}
