// Package health runs named dependency checks behind the probe endpoints of
// the API and ops servers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the state of one dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Overall states of a Report.
const (
	Ready    = "ready"
	Degraded = "degraded"
	NotReady = "not_ready"
)

// CheckFunc probes one dependency. It must return once ctx is done.
type CheckFunc func(ctx context.Context) Status

// Report is the outcome of one pass over every registered check.
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]Status `json:"checks"`
	CheckedAt int64             `json:"checkedAt"`
}

// Ready reports whether no check is down. Degraded dependencies still serve.
func (r Report) Ready() bool {
	return r.Status != NotReady
}

// Checker holds the registered checks and the last report.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    Report
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each check. The default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// NewChecker creates a checker with no checks.
func NewChecker(logger zerolog.Logger, opts ...Option) *Checker {
	c := &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// Run executes every check concurrently and returns the combined report.
// Status changes against the previous run are logged.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	fns := make([]CheckFunc, 0, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	statuses := make([]Status, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn CheckFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			statuses[i] = fn(cctx)
		}(i, fn)
	}
	wg.Wait()

	rep := Report{
		Status:    Ready,
		Checks:    make(map[string]Status, len(names)),
		CheckedAt: time.Now().UnixMilli(),
	}
	for i, name := range names {
		s := statuses[i]
		rep.Checks[name] = s
		switch {
		case s == StatusDown:
			rep.Status = NotReady
		case s == StatusDegraded && rep.Status == Ready:
			rep.Status = Degraded
		}
	}

	c.mu.Lock()
	prev := c.last.Checks
	c.last = rep
	c.mu.Unlock()
	c.logChanges(prev, rep.Checks)
	return rep
}

func (c *Checker) logChanges(prev, cur map[string]Status) {
	names := make([]string, 0, len(cur))
	for name := range cur {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, was := cur[name], prev[name]
		if s == was || (was == "" && s == StatusOK) {
			continue
		}
		ev := c.logger.Warn()
		if s == StatusOK {
			ev = c.logger.Info()
		}
		ev.Str("check", name).Str("status", string(s)).Str("previous", string(was)).Msg("health check changed")
	}
}

// Last returns the report of the most recent Run; zero before the first.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rep := c.last
	rep.Checks = make(map[string]Status, len(c.last.Checks))
	for k, v := range c.last.Checks {
		rep.Checks[k] = v
	}
	return rep
}

// LivenessHandler serves /health. The process answering is all it reports.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadinessHandler serves /ready with a fresh report, 503 while not ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Run(r.Context())
		code := http.StatusOK
		if !rep.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// DirWritable is down unless a probe file can be created in dir.
func DirWritable(dir string) CheckFunc {
	return func(ctx context.Context) Status {
		probe := filepath.Join(dir, ".health-"+uuid.NewString())
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return StatusDown
		}
		os.Remove(probe)
		return StatusOK
	}
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping is down while p cannot be reached.
func Ping(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// Flag is degraded while fn returns false. It suits background loops whose
// absence reduces functionality without making the service unusable.
func Flag(fn func() bool) CheckFunc {
	return func(ctx context.Context) Status {
		if fn() {
			return StatusOK
		}
		return StatusDegraded
	}
}
