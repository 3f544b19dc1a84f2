// Package changes turns README writes under the data root into change events
// and fans them out to subscribers.
//
// Writes are debounced per README: a burst of writes to one file produces a
// single event describing the file as it was when the burst settled. Each
// subscriber owns a bounded buffer; a subscriber that falls behind loses
// events instead of slowing down the others.
package changes

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/designvault/internal/frontmatter"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/record"
)

// EventType classifies a change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// Event describes a README after a burst of writes settled.
type Event struct {
	Type EventType `json:"type"`
	// Path is relative to the data root, slash separated.
	Path        string         `json:"path"`
	Status      string         `json:"status,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Mtime       int64          `json:"mtime,omitempty"`
	LastUpdated int64          `json:"lastUpdated"`
}

// Defaults.
const (
	DefaultDebounce = 200 * time.Millisecond
	DefaultBuffer   = 64
)

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Hub debounces README changes and broadcasts them.
type Hub struct {
	root     string
	debounce time.Duration
	buffer   int
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*pending
	gen     uint64
	known   map[string]struct{}
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDebounce sets the quiet period before an event fires.
func WithDebounce(d time.Duration) HubOption {
	return func(h *Hub) { h.debounce = d }
}

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

// WithMetrics records event and subscriber metrics.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a Hub for READMEs under root.
func NewHub(root string, logger zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		root:     filepath.Clean(root),
		debounce: DefaultDebounce,
		buffer:   DefaultBuffer,
		logger:   logger.With().Str("component", "changes").Logger(),
		timers:   make(map[string]*pending),
		known:    make(map[string]struct{}),
		subs:     make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.buffer < 1 {
		h.buffer = 1
	}
	return h
}

// Seed records the READMEs already present so that the first write to them
// is reported as a change rather than an addition.
func (h *Hub) Seed() error {
	var found []string
	err := filepath.WalkDir(h.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != h.root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if record.IsReadme(d.Name()) {
			if rel, ok := h.rel(p); ok {
				found = append(found, rel)
			}
		}
		return nil
	})
	h.mu.Lock()
	for _, rel := range found {
		h.known[rel] = struct{}{}
	}
	h.mu.Unlock()
	return err
}

// Schedule notes that the README at absPath changed. The event fires once no
// further Schedule for the same path arrived for the debounce period.
func (h *Hub) Schedule(absPath string) {
	rel, ok := h.rel(absPath)
	if !ok {
		return
	}
	absPath = filepath.Clean(absPath)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if p, ok := h.timers[rel]; ok {
		p.timer.Stop()
	}
	h.gen++
	gen := h.gen
	h.timers[rel] = &pending{
		gen:   gen,
		timer: time.AfterFunc(h.debounce, func() { h.fire(rel, absPath, gen) }),
	}
}

// ScheduleTree schedules every known README under absDir. It covers
// directories removed or renamed as a whole.
func (h *Hub) ScheduleTree(absDir string) {
	prefix, ok := h.rel(absDir)
	if !ok {
		return
	}
	h.mu.Lock()
	var paths []string
	for rel := range h.known {
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			paths = append(paths, rel)
		}
	}
	h.mu.Unlock()
	for _, rel := range paths {
		h.Schedule(filepath.Join(h.root, filepath.FromSlash(rel)))
	}
}

func (h *Hub) fire(rel, absPath string, gen uint64) {
	h.mu.Lock()
	p, ok := h.timers[rel]
	if !ok || p.gen != gen || h.closed {
		h.mu.Unlock()
		return
	}
	delete(h.timers, rel)
	_, wasKnown := h.known[rel]
	h.mu.Unlock()

	ev := Event{Path: rel}
	info, err := os.Stat(absPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !wasKnown {
			return
		}
		ev.Type = EventRemoved
		ev.LastUpdated = time.Now().UnixMilli()
		h.mu.Lock()
		delete(h.known, rel)
		h.mu.Unlock()
	case err != nil:
		h.logger.Warn().Err(err).Str("path", rel).Msg("stat failed, dropping change")
		return
	default:
		raw, err := os.ReadFile(absPath)
		if err != nil {
			h.logger.Warn().Err(err).Str("path", rel).Msg("read failed, dropping change")
			return
		}
		doc := frontmatter.Parse(raw)
		ev.Type = EventChanged
		if !wasKnown {
			ev.Type = EventAdded
		}
		ev.Status, _ = doc.Metadata.String(record.KeyStatus)
		ev.Metadata = doc.Metadata.Map()
		ev.Mtime = info.ModTime().UnixMilli()
		ev.LastUpdated = ev.Mtime
		if v, ok := doc.Metadata.Int64(record.KeyUpdatedAt); ok {
			ev.LastUpdated = v
		}
		h.mu.Lock()
		h.known[rel] = struct{}{}
		h.mu.Unlock()
	}
	h.Publish(ev)
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.metrics != nil {
		h.metrics.RecordEvent(string(ev.Type))
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn().Uint64("subscriber", sub.id).Str("path", ev.Path).Msg("subscriber buffer full, event dropped")
			if h.metrics != nil {
				h.metrics.RecordDropped()
			}
		}
	}
	h.logger.Debug().Str("type", string(ev.Type)).Str("path", ev.Path).Int("subscribers", len(h.subs)).Msg("change broadcast")
}

// Subscribe registers a new subscriber. Only events published after this call
// are delivered.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	sub := &Subscription{id: h.nextSub, ch: make(chan Event, h.buffer), hub: h}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	h.setSubscriberGauge()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	h.setSubscriberGauge()
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Pending returns the number of paths waiting for their debounce to expire.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.timers)
}

// Close stops pending timers and ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for rel, p := range h.timers {
		p.timer.Stop()
		delete(h.timers, rel)
	}
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.setSubscriberGauge()
}

func (h *Hub) setSubscriberGauge() {
	if h.metrics != nil {
		h.metrics.SetSubscribers(len(h.subs))
	}
}

// rel maps an absolute path under root to its slash-separated relative form.
// Paths outside root or inside hidden directories are rejected.
func (h *Hub) rel(p string) (string, bool) {
	r, err := filepath.Rel(h.root, filepath.Clean(p))
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	r = filepath.ToSlash(r)
	for _, part := range strings.Split(r, "/") {
		if isHidden(part) {
			return "", false
		}
	}
	return r, true
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Subscription is a subscriber's view of the event stream.
type Subscription struct {
	id   uint64
	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Events returns the channel events arrive on. It is closed when the
// subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}
