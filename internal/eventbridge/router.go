package eventbridge

import (
	"log/slog"
	"strings"
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans outbound events out to topic subscribers with buffering,
// deduplication, and bounded channel semantics. A topic is an event type;
// Wildcard matches every type.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      []Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       *slog.Logger
}

// Subscription represents an active topic subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for the given topics. Buffered events that match are
// delivered first, in publish order.
func (r *Router) Subscribe(topics ...string) Subscription {
	if len(topics) == 0 {
		topics = []string{Wildcard}
	}
	normalized := make([]string, 0, len(topics))
	for _, topic := range topics {
		if t := normalizeTopic(topic); t != "" {
			normalized = append(normalized, t)
		}
	}
	sub := newSubscriber(r.channelSize, r.logger)
	var replay []Event
	r.mu.Lock()
	for _, topic := range normalized {
		if r.subscribers[topic] == nil {
			r.subscribers[topic] = map[*subscriber]struct{}{}
		}
		r.subscribers[topic][sub] = struct{}{}
	}
	kept := r.backlog[:0]
	for _, event := range r.backlog {
		if matchesAny(normalized, event.Type) {
			replay = append(replay, event)
			continue
		}
		kept = append(kept, event)
	}
	r.backlog = kept
	r.mu.Unlock()
	for _, event := range replay {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(normalized, sub)
		},
	}
}

// Publish satisfies Publisher.
func (r *Router) Publish(event Event) {
	r.Route(event)
}

// HandleEvent satisfies the EventProcessor interface.
func (r *Router) HandleEvent(event Event) error {
	r.Route(event)
	return nil
}

// Route delivers the event to subscribers or buffers it when no subscriber exists.
func (r *Router) Route(event Event) {
	if event.EventID != "" && r.isDuplicate(event.EventID) {
		return
	}
	topic := normalizeTopic(event.Type)
	if topic == "" {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(topic)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (r *Router) snapshotSubscribers(topic string) []*subscriber {
	seen := map[*subscriber]struct{}{}
	var items []*subscriber
	for _, key := range []string{topic, Wildcard} {
		for sub := range r.subscribers[key] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			items = append(items, sub)
		}
	}
	return items
}

func (r *Router) removeSubscriber(topics []string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		if subs := r.subscribers[topic]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(r.subscribers, topic)
			}
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.backlog) >= r.backlogLimit {
		victim := 0
		for i, queued := range r.backlog {
			if !isCriticalEvent(queued.Type) {
				victim = i
				break
			}
		}
		dropped := r.backlog[victim]
		r.backlog = append(r.backlog[:victim], r.backlog[victim+1:]...)
		if r.logger != nil {
			r.logger.Warn("eventbridge: backlog drop", "type", dropped.Type, "execution_id", dropped.ExecutionID, "limit", r.backlogLimit)
		}
	}
	r.backlog = append(r.backlog, event)
}

// Pending returns the number of buffered events.
func (r *Router) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backlog)
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func matchesAny(topics []string, kind string) bool {
	kind = normalizeTopic(kind)
	for _, topic := range topics {
		if topic == Wildcard || topic == kind {
			return true
		}
	}
	return false
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(strings.ToLower(topic))
}

type subscriber struct {
	ch      chan Event
	logger  *slog.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver holds closeMu for the whole send so close cannot race it.
func (s *subscriber) deliver(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn("eventbridge: dropped event", "type", event.Type, "execution_id", event.ExecutionID, "reason", reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCriticalEvent(kind string) bool {
	kind = normalizeTopic(kind)
	return kind == TypeExecutionEscalated || kind == TypeExecutionFailed
}

func isPreferredDrop(kind string) bool {
	return strings.HasPrefix(normalizeTopic(kind), "node.")
}
