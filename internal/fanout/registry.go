// Package fanout tracks live observers per conversation and delivers replies to them.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/observability"
)

const DefaultSendTimeout = 5 * time.Second

// Handle is one connected observer. A handle that fails a send is disconnected for good.
type Handle interface {
	ID() string
	Send(ctx context.Context, text string) error
	Close() error
}

// Relay forwards a broadcast to observers connected to other replicas.
type Relay interface {
	Publish(ctx context.Context, conversationID, text string) error
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Removed   int
}

// Registry is the concurrency-safe directory of observer handles keyed by conversation id.
type Registry struct {
	mu          sync.RWMutex
	sets        map[string]map[string]Handle
	sendTimeout time.Duration
	relay       Relay
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

func NewRegistry(sendTimeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Registry {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Registry{
		sets:        make(map[string]map[string]Handle),
		sendTimeout: sendTimeout,
		logger:      logger.With().Str("component", "fanout").Logger(),
		metrics:     metrics,
	}
}

// SetRelay must be called before the registry is shared.
func (r *Registry) SetRelay(relay Relay) {
	r.relay = relay
}

func (r *Registry) Join(conversationID string, h Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	set, ok := r.sets[conversationID]
	if !ok {
		set = make(map[string]Handle)
		r.sets[conversationID] = set
	}
	set[h.ID()] = h
	total := r.totalLocked()
	r.mu.Unlock()

	r.metrics.SetActiveObservers(total)
	r.logger.Debug().Str("conversation_id", conversationID).Str("observer_id", h.ID()).Msg("observer joined")
}

// Leave removes h; the conversation entry goes away with its last observer.
func (r *Registry) Leave(conversationID string, h Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	removed := r.removeLocked(conversationID, h.ID())
	total := r.totalLocked()
	r.mu.Unlock()

	if removed {
		r.metrics.SetActiveObservers(total)
		r.logger.Debug().Str("conversation_id", conversationID).Str("observer_id", h.ID()).Msg("observer left")
	}
}

// Broadcast delivers locally, then hands the text to the relay when one is set.
// Relay failures are logged only.
func (r *Registry) Broadcast(ctx context.Context, conversationID, text string) Delivery {
	ctx = context.WithoutCancel(ctx)
	d := r.DeliverLocal(ctx, conversationID, text)
	if r.relay != nil {
		if err := r.relay.Publish(ctx, conversationID, text); err != nil {
			r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("relay publish failed")
		}
	}
	return d
}

// DeliverLocal sends text to every handle joined on this replica. Each send is
// bounded by the send timeout; handles that fail are removed and closed.
// Cancellation of ctx does not reach the sends: only a handle's own failure
// or timeout evicts it.
func (r *Registry) DeliverLocal(ctx context.Context, conversationID, text string) Delivery {
	ctx = context.WithoutCancel(ctx)
	handles := r.snapshot(conversationID)
	if len(handles) == 0 {
		return Delivery{}
	}

	failed := make([]bool, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h Handle) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := sendWithDeadline(sendCtx, h, text); err != nil {
				failed[i] = true
				r.logger.Info().Err(err).Str("conversation_id", conversationID).Str("observer_id", h.ID()).Msg("dropping dead observer")
			}
		}(i, h)
	}
	wg.Wait()

	var d Delivery
	var dead []Handle
	r.mu.Lock()
	for i, h := range handles {
		if !failed[i] {
			d.Delivered++
			continue
		}
		if r.removeLocked(conversationID, h.ID()) {
			dead = append(dead, h)
		}
	}
	total := r.totalLocked()
	r.mu.Unlock()

	for _, h := range dead {
		_ = h.Close()
	}
	d.Removed = len(dead)
	r.metrics.ObserveFanout(d.Delivered, d.Removed)
	if d.Removed > 0 {
		r.metrics.SetActiveObservers(total)
	}
	return d
}

// sendWithDeadline returns when Send does or when ctx expires, whichever is first,
// so a handle ignoring its context cannot stall the broadcast.
func sendWithDeadline(ctx context.Context, h Handle, text string) error {
	done := make(chan error, 1)
	go func() { done <- h.Send(ctx, text) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets[conversationID])
}

// Conversations lists conversation ids with at least one observer.
func (r *Registry) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sets))
	for id := range r.sets {
		out = append(out, id)
	}
	return out
}

func (r *Registry) snapshot(conversationID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sets[conversationID]
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (r *Registry) removeLocked(conversationID, handleID string) bool {
	set, ok := r.sets[conversationID]
	if !ok {
		return false
	}
	if _, ok := set[handleID]; !ok {
		return false
	}
	delete(set, handleID)
	if len(set) == 0 {
		delete(r.sets, conversationID)
	}
	return true
}

func (r *Registry) totalLocked() int {
	n := 0
	for _, set := range r.sets {
		n += len(set)
	}
	return n
}
