// Package bus accepts domain events and dispatches them to subscribed agents.
//
// Dispatch flow:
//  1. Validate the event and drop duplicates by event_id
//  2. Resolve subscribers from the agent registry (event type + filter)
//  3. Reject with backpressure when an agent's queue is above the high-water mark
//  4. Persist the event with its subscriber set, then one created Invocation
//     per subscriber; a republish completes a dispatch that failed part way
//  5. Append the event to its entity lane; lanes run in parallel, events of
//     one entity run in publish order
//  6. Inside a lane, fan out to the invocations, bounded per agent
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/loanpilot/orchestrator/internal/agent"
	"github.com/loanpilot/orchestrator/internal/keylock"
	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/telemetry"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// ErrBackpressure is wrapped by the error Publish returns when an agent's
// queue is full. Nothing has been persisted when it is returned.
var ErrBackpressure = errors.New("dispatcher queue above high-water mark")

// ErrClosed is returned by Publish after Drain has started.
var ErrClosed = errors.New("dispatcher is draining")

const (
	DefaultHighWaterMark = 256
	DefaultMaxInFlight   = 4
)

// Runner executes one invocation to completion or to a waiting state.
type Runner interface {
	Run(ctx context.Context, invocationID string) error
}

// Options tune the dispatcher.
type Options struct {
	// HighWaterMark bounds queued plus running invocations per agent.
	HighWaterMark      int
	DefaultMaxInFlight int
	Metrics            *metrics.Metrics
}

type job struct {
	event       *models.Event
	invocations []*models.Invocation
}

type lane struct {
	queue []job
}

type limiter struct {
	size int
	sem  *semaphore.Weighted
}

// Bus is the event bus and dispatcher.
type Bus struct {
	events      store.EventStore
	invocations store.InvocationStore
	agents      *agent.Registry
	runner      Runner
	opts        Options

	// base outlives individual Publish calls; Drain cancels it on timeout.
	base   context.Context
	cancel context.CancelFunc

	// publishing serializes publishes of one event_id.
	publishing *keylock.Locker

	mu       sync.Mutex
	lanes    map[string]*lane
	load     map[string]int
	limiters map[string]*limiter
	closed   bool
	wg       sync.WaitGroup
}

// New creates a dispatcher. Invocations are handed to runner.
func New(events store.EventStore, invocations store.InvocationStore, agents *agent.Registry, runner Runner, opts Options) *Bus {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.DefaultMaxInFlight <= 0 {
		opts.DefaultMaxInFlight = DefaultMaxInFlight
	}
	base, cancel := context.WithCancel(context.Background())
	return &Bus{
		events:      events,
		invocations: invocations,
		agents:      agents,
		runner:      runner,
		opts:        opts,
		base:        base,
		cancel:      cancel,
		publishing:  keylock.New(),
		lanes:       make(map[string]*lane),
		load:        make(map[string]int),
		limiters:    make(map[string]*limiter),
	}
}

// ── Publish ──────────────────────────────────────────────────

// Publish validates, persists and dispatches ev. A duplicate event_id returns
// Accepted=false and Duplicate=true without creating invocations, unless an
// earlier publish of it failed part way; then the missing invocations are
// created and Accepted is true.
func (b *Bus) Publish(ctx context.Context, ev *models.Event) (*models.PublishResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "bus.publish")
	defer span.End()

	if err := validate(ev); err != nil {
		b.opts.Metrics.EventPublished("invalid", "rejected")
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.entity", ev.EntityKey()),
	)

	unlock, err := b.publishing.Lock(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if stored, err := b.events.GetEvent(ctx, ev.ID); err == nil {
		return b.resume(ctx, stored)
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("lookup event %s: %w", ev.ID, err)
	}

	subs, err := b.agents.Subscribers(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("resolve subscribers: %w", err)
	}
	agentIDs := make([]string, len(subs))
	for i, a := range subs {
		agentIDs[i] = a.ID
	}
	if err := b.reserve(agentIDs); err != nil {
		b.opts.Metrics.EventPublished(string(ev.Type), "backpressure")
		return nil, err
	}

	ev.Subscribers = agentIDs
	if err := b.events.CreateEvent(ctx, ev); err != nil {
		b.release(agentIDs...)
		if store.IsDuplicate(err) {
			return b.duplicate(ev), nil
		}
		return nil, fmt.Errorf("persist event %s: %w", ev.ID, err)
	}
	if err := b.createAndPush(ctx, ev, agentIDs); err != nil {
		return nil, err
	}

	b.opts.Metrics.EventPublished(string(ev.Type), "accepted")
	log.Info().
		Str("event", ev.ID).
		Str("type", string(ev.Type)).
		Str("entity", ev.EntityKey()).
		Strs("agents", agentIDs).
		Msg("📨 Event dispatched")
	return &models.PublishResult{EventID: ev.ID, Accepted: true, DispatchedAgents: agentIDs}, nil
}

// createAndPush creates one invocation per reserved agent and queues them.
// When a create fails, the invocations already created are still queued and
// the rest are left for resume on the next publish of the same event_id.
func (b *Bus) createAndPush(ctx context.Context, ev *models.Event, agentIDs []string) error {
	now := time.Now().UTC()
	invs := make([]*models.Invocation, 0, len(agentIDs))
	var createErr error
	for _, id := range agentIDs {
		inv := &models.Invocation{
			ID:          uuid.NewString(),
			EventID:     ev.ID,
			AgentID:     id,
			EntityType:  ev.EntityType,
			EntityID:    ev.EntityID,
			Subject:     ev.Subject(),
			State:       models.StateCreated,
			Outcome:     models.OutcomePending,
			ToolCallIDs: []string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := b.invocations.CreateInvocation(ctx, inv); err != nil {
			createErr = fmt.Errorf("create invocation for %s: %w", id, err)
			break
		}
		invs = append(invs, inv)
	}
	b.release(agentIDs[len(invs):]...)

	if len(invs) > 0 {
		if err := b.push(job{event: ev, invocations: invs}); err != nil {
			for _, inv := range invs {
				b.release(inv.AgentID)
			}
			return err
		}
	}
	if createErr != nil {
		log.Warn().Err(createErr).
			Str("event", ev.ID).
			Int("queued", len(invs)).
			Int("missing", len(agentIDs)-len(invs)).
			Msg("Dispatch incomplete, republish the event to finish it")
	}
	return createErr
}

// resume answers a publish of a stored event. Subscribers recorded at first
// publish that still lack an invocation get one now; otherwise it is a plain
// duplicate.
func (b *Bus) resume(ctx context.Context, stored *models.Event) (*models.PublishResult, error) {
	if len(stored.Subscribers) == 0 {
		return b.duplicate(stored), nil
	}
	existing, err := b.invocations.ListInvocations(ctx, models.InvocationFilter{EventID: stored.ID})
	if err != nil {
		return nil, fmt.Errorf("list invocations of %s: %w", stored.ID, err)
	}
	have := make(map[string]bool, len(existing))
	for _, inv := range existing {
		have[inv.AgentID] = true
	}
	var missing []string
	for _, id := range stored.Subscribers {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return b.duplicate(stored), nil
	}

	if err := b.reserve(missing); err != nil {
		b.opts.Metrics.EventPublished(string(stored.Type), "backpressure")
		return nil, err
	}
	if err := b.createAndPush(ctx, stored, missing); err != nil {
		return nil, err
	}
	b.opts.Metrics.EventPublished(string(stored.Type), "resumed")
	log.Info().
		Str("event", stored.ID).
		Strs("agents", missing).
		Msg("📨 Interrupted dispatch resumed")
	return &models.PublishResult{EventID: stored.ID, Accepted: true, Duplicate: true, DispatchedAgents: missing}, nil
}

func (b *Bus) duplicate(ev *models.Event) *models.PublishResult {
	b.opts.Metrics.EventPublished(string(ev.Type), "duplicate")
	log.Debug().Str("event", ev.ID).Msg("Duplicate event ignored")
	return &models.PublishResult{EventID: ev.ID, Duplicate: true, DispatchedAgents: []string{}}
}

func validate(ev *models.Event) error {
	if ev == nil {
		return models.NewError(models.KindValidation, "", "event is required")
	}
	if !ev.Type.Valid() {
		return models.NewError(models.KindValidation, "", "unknown event type %q", ev.Type)
	}
	if ev.EntityType == "" || ev.EntityID == "" {
		return models.NewError(models.KindValidation, "", "entity_type and entity_id are required")
	}
	return nil
}

// Enqueue schedules invocations that already exist, e.g. a retry. It never
// applies backpressure.
func (b *Bus) Enqueue(ev *models.Event, invocations []*models.Invocation) error {
	if len(invocations) == 0 {
		return nil
	}
	ids := make([]string, len(invocations))
	for i, inv := range invocations {
		ids[i] = inv.AgentID
	}
	b.mu.Lock()
	for _, id := range ids {
		b.load[id]++
	}
	b.mu.Unlock()
	if err := b.push(job{event: ev, invocations: invocations}); err != nil {
		b.release(ids...)
		return err
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────────

// Subscribe adds eventType to the agent's subscriptions.
func (b *Bus) Subscribe(ctx context.Context, eventType models.EventType, agentID string) (*models.Agent, error) {
	return b.agents.Subscribe(ctx, agentID, eventType)
}

// Unsubscribe removes eventType from the agent's subscriptions.
func (b *Bus) Unsubscribe(ctx context.Context, eventType models.EventType, agentID string) (*models.Agent, error) {
	return b.agents.Unsubscribe(ctx, agentID, eventType)
}

// ── Backpressure ─────────────────────────────────────────────

// reserve counts one queued job per agent, failing without side effects when
// any agent would exceed the high-water mark.
func (b *Bus) reserve(agentIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return models.WrapError(models.KindProviderUnavailable, "", ErrClosed)
	}
	for _, id := range agentIDs {
		if b.load[id]+1 > b.opts.HighWaterMark {
			b.opts.Metrics.Backpressure(id)
			return models.WrapError(models.KindBackpressure, models.CodeBackpressure,
				fmt.Errorf("agent %s has %d queued invocations: %w", id, b.load[id], ErrBackpressure))
		}
	}
	for _, id := range agentIDs {
		b.load[id]++
		b.opts.Metrics.QueueDepth(id, b.load[id])
	}
	return nil
}

func (b *Bus) release(agentIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range agentIDs {
		if b.load[id] <= 1 {
			delete(b.load, id)
			b.opts.Metrics.QueueDepth(id, 0)
			continue
		}
		b.load[id]--
		b.opts.Metrics.QueueDepth(id, b.load[id])
	}
}

// Load returns the queued plus running invocation count of an agent.
func (b *Bus) Load(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load[agentID]
}

// ── Lanes ────────────────────────────────────────────────────

// push appends j to its entity lane, starting the lane goroutine when idle.
func (b *Bus) push(j job) error {
	key := j.event.EntityKey()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return models.WrapError(models.KindProviderUnavailable, "", ErrClosed)
	}
	if l, ok := b.lanes[key]; ok {
		l.queue = append(l.queue, j)
		return nil
	}
	l := &lane{queue: []job{j}}
	b.lanes[key] = l
	b.wg.Add(1)
	go b.drainLane(key, l)
	return nil
}

// drainLane runs jobs of one entity in order and exits when the lane is empty.
func (b *Bus) drainLane(key string, l *lane) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			delete(b.lanes, key)
			b.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		b.mu.Unlock()

		b.dispatch(j)
	}
}

// dispatch fans one event out to its invocations and waits for all of them.
func (b *Bus) dispatch(j job) {
	var g errgroup.Group
	for _, inv := range j.invocations {
		inv := inv
		g.Go(func() error {
			defer b.release(inv.AgentID)
			sem := b.limiter(inv.AgentID)
			if err := sem.Acquire(b.base, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			if err := b.runner.Run(b.base, inv.ID); err != nil {
				log.Error().Err(err).
					Str("invocation", inv.ID).
					Str("agent", inv.AgentID).
					Str("event", j.event.ID).
					Msg("Invocation run failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// limiter returns the in-flight semaphore of an agent, resized when the
// agent's max_in_flight changed.
func (b *Bus) limiter(agentID string) *semaphore.Weighted {
	size := b.opts.DefaultMaxInFlight
	if a, err := b.agents.Get(b.base, agentID); err == nil && a.MaxInFlight > 0 {
		size = a.MaxInFlight
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[agentID]
	if !ok || l.size != size {
		l = &limiter{size: size, sem: semaphore.NewWeighted(int64(size))}
		b.limiters[agentID] = l
	}
	return l.sem
}

// ── Shutdown ─────────────────────────────────────────────────

// Drain stops accepting events and waits for every lane to finish. When ctx
// ends first, running invocations are cancelled and ctx.Err() is returned.
func (b *Bus) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		log.Info().Msg("📭 Dispatcher drained")
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		log.Warn().Msg("Dispatcher drain timed out, running invocations cancelled")
		return ctx.Err()
	}
}
